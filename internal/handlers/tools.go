package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stackmill/sshbridge/internal/session"
	"github.com/stackmill/sshbridge/internal/toolapi"
)

// Tools is the shared tool-call API, set once at startup.
var Tools *toolapi.API

// The tool routes are the local transport for the assistant channel: each
// accepts the decoded arguments as a JSON body and answers with the
// operation's result envelope. Status is 200 for every well-formed call;
// failures are expressed inside the envelope, not as HTTP errors.

func writeToolError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, toolapi.ErrorResponseFor(err))
}

type connectBody struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	PrivateKey  string `json:"privateKey"`
	KeyFilePath string `json:"keyFilePath"`
	Passphrase  string `json:"passphrase"`
}

// ToolConnect handles POST /api/v1/tools/connect.
func ToolConnect(w http.ResponseWriter, r *http.Request) {
	var body connectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta, err := Tools.Connect(r.Context(), toolapi.ConnectArgs{
		Name:       body.Name,
		Host:       body.Host,
		Port:       body.Port,
		Username:   body.Username,
		Password:   body.Password,
		PrivateKey: body.PrivateKey,
		KeyFile:    body.KeyFilePath,
		Passphrase: body.Passphrase,
	})
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.ConnectResponse{Success: true, Session: meta})
}

type execBody struct {
	SessionName string `json:"sessionName"`
	Command     string `json:"command"`
	TimeoutMs   int    `json:"timeoutMs"`
}

// ToolExec handles POST /api/v1/tools/exec. A gating refusal produces the
// bit-stable BROWSER_COMMANDS_EXECUTED envelope.
func ToolExec(w http.ResponseWriter, r *http.Request) {
	var body execBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := Tools.Exec(r.Context(), toolapi.ExecArgs{
		SessionName: body.SessionName,
		Command:     body.Command,
		Timeout:     time.Duration(body.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.ExecResponseFrom(res))
}

// ToolListSessions handles POST /api/v1/tools/listSessions.
func ToolListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toolapi.ListResponse{Success: true, Sessions: Tools.ListSessions()})
}

type namedBody struct {
	SessionName string `json:"sessionName"`
	Reason      string `json:"reason,omitempty"`
}

func decodeNamed(w http.ResponseWriter, r *http.Request) (namedBody, bool) {
	var body namedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return body, false
	}
	if body.SessionName == "" {
		writeToolError(w, session.ErrMissingField)
		return body, false
	}
	return body, true
}

// ToolDisconnect handles POST /api/v1/tools/disconnect.
func ToolDisconnect(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeNamed(w, r)
	if !ok {
		return
	}
	if err := Tools.Disconnect(body.SessionName); err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.StatusResponse{Success: true, Status: "disconnected"})
}

// ToolCancel handles POST /api/v1/tools/cancel.
func ToolCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeNamed(w, r)
	if !ok {
		return
	}
	if err := Tools.Cancel(body.SessionName); err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.StatusResponse{Success: true, Status: "cancelled"})
}

// ToolReset handles POST /api/v1/tools/reset, the explicit recovery reset.
func ToolReset(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeNamed(w, r)
	if !ok {
		return
	}
	if err := Tools.Reset(body.SessionName, body.Reason); err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.StatusResponse{Success: true, Status: "reset"})
}

// ToolMonitoringURL handles POST /api/v1/tools/getMonitoringUrl.
func ToolMonitoringURL(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeNamed(w, r)
	if !ok {
		return
	}
	u, err := Tools.MonitoringURL(body.SessionName)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolapi.URLResponse{Success: true, URL: u})
}
