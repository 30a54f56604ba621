// Package registration implements the agent's one-shot enrollment flow:
// authenticate with a username/password, submit a candidate identity, and
// persist whatever the manager assigns back.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Will-Luck/Docker-Sentinel/internal/agentinfo"
	"github.com/Will-Luck/Docker-Sentinel/internal/httpclient"
)

// Kind classifies a registration failure.
type Kind int

const (
	KindAuthRejected Kind = iota
	KindNetwork
	KindServerRejected
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAuthRejected:
		return "auth_rejected"
	case KindNetwork:
		return "network"
	case KindServerRejected:
		return "server_rejected"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is returned by Register.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("registration: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("registration: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Params describes one enrollment attempt.
type Params struct {
	Server   httpclient.Params // Host/Port/Scheme/Verify only; Method/Path/Body are set internally
	User     string
	Password string
	Name     string
	IP       string
}

type authenticateResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type agentsRequest struct {
	UUID string `json:"uuid"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
}

type agentsResponse struct {
	UUID string `json:"uuid"`
	Key  string `json:"key"`
}

// Register runs the full enrollment flow and persists the resulting
// identity into store. Both uuid and key are replaced together, or neither
// is (agentinfo.Store.Save is transactional).
func Register(client *httpclient.Client, store *agentinfo.Store, p Params) (agentinfo.Info, error) {
	authParams := p.Server
	authParams.Method = http.MethodPost
	authParams.Path = "/security/user/authenticate"
	authParams.BasicUser = p.User
	authParams.BasicPass = p.Password

	resp, err := client.Request(authParams)
	if err != nil {
		var httpErr *httpclient.Error
		if errors.As(err, &httpErr) && httpErr.Kind == httpclient.KindUnauthorized {
			return agentinfo.Info{}, &Error{Kind: KindAuthRejected, Err: err}
		}
		return agentinfo.Info{}, &Error{Kind: KindNetwork, Err: err}
	}

	var auth authenticateResponse
	if err := json.Unmarshal(resp.Body, &auth); err != nil {
		return agentinfo.Info{}, &Error{Kind: KindServerRejected, Reason: "malformed authenticate response", Err: err}
	}

	candidateUUID := agentinfo.NewUUID()
	candidateKey := strings.ReplaceAll(agentinfo.NewUUID(), "-", "")
	body, err := json.Marshal(agentsRequest{UUID: candidateUUID, Key: candidateKey, Name: p.Name, IP: p.IP})
	if err != nil {
		return agentinfo.Info{}, &Error{Kind: KindPersistence, Err: err}
	}

	agentsParams := p.Server
	agentsParams.Method = http.MethodPost
	agentsParams.Path = "/agents"
	agentsParams.BearerToken = auth.Token
	agentsParams.Body = body

	resp, err = client.Request(agentsParams)
	if err != nil {
		var httpErr *httpclient.Error
		if errors.As(err, &httpErr) {
			switch httpErr.Kind {
			case httpclient.KindUnauthorized:
				return agentinfo.Info{}, &Error{Kind: KindAuthRejected, Err: err}
			case httpclient.KindNetworkPermanent:
				return agentinfo.Info{}, &Error{Kind: KindServerRejected, Reason: "manager rejected agent registration", Err: err}
			}
		}
		return agentinfo.Info{}, &Error{Kind: KindNetwork, Err: err}
	}

	var agents agentsResponse
	if err := json.Unmarshal(resp.Body, &agents); err != nil {
		return agentinfo.Info{}, &Error{Kind: KindServerRejected, Reason: "malformed agents response", Err: err}
	}

	info := agentinfo.Info{Name: p.Name, UUID: agents.UUID, Key: agents.Key}
	if err := store.Save(info); err != nil {
		return agentinfo.Info{}, &Error{Kind: KindPersistence, Err: err}
	}
	return info, nil
}
