// Command agentctl is a small sibling CLI that signals a running agent
// process over its local control endpoint. It supports two control
// messages: a full module reload, and a reload scoped to a single module.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/instancecomm"
)

const dialTimeout = 5 * time.Second

func main() {
	endpoint := flag.String("endpoint", "", "path to the agent's local control endpoint (defaults to the platform well-known path)")
	module := flag.String("module", "", "reload only this module instead of all modules")
	flag.Parse()

	if *endpoint == "" {
		*endpoint = instancecomm.DefaultEndpoint
	}

	line := "RELOAD"
	if *module != "" {
		line = "RELOAD-MODULE:" + *module
	}

	if err := send(*endpoint, line); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("agentctl: sent", line)
}

func send(endpoint, line string) error {
	conn, err := dial(endpoint)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	return w.Flush()
}
