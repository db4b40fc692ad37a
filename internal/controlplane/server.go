// Package controlplane is the host's HTTP API for the external provisioner:
// progress and health reads, signed config uploads, and the pre-shutdown
// sync handshake. Reads of public state are unauthenticated; everything
// else is HMAC-signed. Binds loopback unless the manifest says otherwise.
package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andywolf/habitat/internal/atomicfile"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/services"
)

// MaxUploadFileSize caps each decoded upload file.
const MaxUploadFileSize = 1 << 20 // 1 MiB

// ShutdownSyncTimeout bounds the final sync during prepare-shutdown.
const ShutdownSyncTimeout = 30 * time.Second

// Uploaded input filenames under the state directory.
const (
	UploadedManifestName = "uploaded-habitat.b64"
	UploadedAgentLibName = "uploaded-agents.b64"
)

// SyncFunc replicates workspace state to the remote store.
type SyncFunc func(ctx context.Context) error

// ApplyFunc re-provisions from uploaded base64 inputs.
type ApplyFunc func(ctx context.Context, habitatB64, agentLibB64 string) error

// Server is the control-plane HTTP server.
type Server struct {
	settings *hostenv.Settings
	m        *manifest.Manifest // nil until a manifest is provisioned
	markers  *markers.Store
	logger   *logging.Logger

	bind   string
	secret string

	syncUp  SyncFunc
	applier ApplyFunc
	runner  services.CommandRunner

	// writeMu serializes mutating operations; concurrent writes to the
	// config subtree have no defined outcome otherwise.
	writeMu sync.Mutex
}

// New creates a Server. m may be nil before first provisioning; bind and
// secret then default to loopback and unauthenticated.
func New(settings *hostenv.Settings, m *manifest.Manifest, mk *markers.Store, logger *logging.Logger,
	syncUp SyncFunc, applier ApplyFunc, runner services.CommandRunner) *Server {
	bind := "127.0.0.1"
	secret := ""
	if m != nil {
		if m.APIBindAddress != "" {
			bind = m.APIBindAddress
		}
		secret = m.APISecret
	}
	if runner == nil {
		runner = services.ExecRunner
	}
	return &Server{
		settings: settings,
		m:        m,
		markers:  mk,
		logger:   logger,
		bind:     bind,
		secret:   secret,
		syncUp:   syncUp,
		applier:  applier,
		runner:   runner,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config/status", s.handleConfigStatus)
	mux.HandleFunc("GET /config", s.requireAuth(s.handleConfig))
	mux.HandleFunc("GET /stages", s.requireAuth(s.handleStages))
	mux.HandleFunc("GET /log", s.requireAuth(s.handleLog))
	mux.HandleFunc("POST /config/upload", s.requireAuth(s.handleUpload))
	mux.HandleFunc("POST /config/apply", s.requireAuth(s.handleApply))
	mux.HandleFunc("POST /sync", s.requireAuth(s.handleSync))
	mux.HandleFunc("POST /prepare-shutdown", s.requireAuth(s.handlePrepareShutdown))
	return mux
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.bind, s.settings.ControlPlanePort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Infof("control plane listening on %s", srv.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type groupStatus struct {
	Name             string `json:"name"`
	Unhealthy        bool   `json:"unhealthy"`
	SafeMode         bool   `json:"safe_mode"`
	Exhausted        bool   `json:"exhausted"`
	RecoveryAttempts int    `json:"recovery_attempts"`
}

type statusResponse struct {
	Name         string        `json:"name,omitempty"`
	Stage        string        `json:"stage,omitempty"`
	BootComplete bool          `json:"boot_complete"`
	BuildFailed  string        `json:"build_failed,omitempty"`
	Groups       []groupStatus `json:"groups,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		BootComplete: s.markers.Present(markers.BootComplete),
		BuildFailed:  s.markers.Content(markers.BuildFailed),
	}
	if data, err := os.ReadFile(s.settings.StageFile()); err == nil {
		resp.Stage = strings.TrimSpace(string(data))
	}
	if s.m != nil {
		resp.Name = s.m.Name
		resp.Groups = s.groupStatuses()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	groups := s.groupStatuses()
	for _, g := range groups {
		if g.Unhealthy || g.SafeMode || g.Exhausted {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "groups": groups})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"api_uploaded": s.markers.Present(markers.APIUploaded)}
	if at := s.markers.Content(markers.APIUploaded); at != "" {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			resp["api_uploaded_at"] = float64(t.Unix())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type configFileInfo struct {
	Group      string `json:"group"`
	Path       string `json:"path"`
	Present    bool   `json:"present"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// handleConfig returns the provisioned manifest with every credential
// replaced by a placeholder, plus per-group gateway config file presence and
// modification times. Secrets never leave the host through this API.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ []byte) {
	if s.m == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no manifest provisioned"})
		return
	}
	files := make([]configFileInfo, 0, len(s.m.Groups()))
	for _, g := range s.m.Groups() {
		info := configFileInfo{Group: g.Name, Path: s.settings.GatewayConfigPath(g.Name)}
		if st, err := os.Stat(info.Path); err == nil {
			info.Present = true
			info.ModifiedAt = st.ModTime().UTC().Format(time.RFC3339)
		}
		files = append(files, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"manifest": redactManifest(s.m),
		"files":    files,
	})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request, _ []byte) {
	data, err := os.ReadFile(s.settings.StageLog())
	if err != nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	var stages []json.RawMessage
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		stages = append(stages, json.RawMessage(line))
	}
	writeJSON(w, http.StatusOK, stages)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, _ []byte) {
	component := r.URL.Query().Get("component")
	if component == "" || strings.ContainsAny(component, "/\\.") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "component parameter is required"})
		return
	}
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be 1-10000"})
			return
		}
		lines = n
	}
	tail, err := logging.Tail(s.settings.LogsDir(), component, lines)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no log for component"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"component": component, "lines": tail})
}

type uploadRequest struct {
	Habitat string `json:"habitat,omitempty"`
	Agents  string `json:"agents,omitempty"`
	Apply   bool   `json:"apply,omitempty"`
}

// handleUpload stores new base64 inputs. Files are size-checked before any
// write so a rejected upload leaves no partial state. Marker failure is not
// fatal; the files are the source of truth.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, body []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var req uploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}
	if req.Habitat == "" && req.Agents == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no files in upload"})
		return
	}

	uploads := map[string]string{}
	for name, b64 := range map[string]string{UploadedManifestName: req.Habitat, UploadedAgentLibName: req.Agents} {
		if b64 == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " is not valid base64"})
			return
		}
		if len(raw) > MaxUploadFileSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": name + " exceeds the size cap"})
			return
		}
		uploads[name] = b64
	}

	for name, b64 := range uploads {
		path := filepath.Join(s.settings.StateDir, name)
		if err := atomicfile.WriteFile(path, []byte(b64), 0o600); err != nil {
			s.logger.Errorf("failed to store upload %s: %v", name, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
			return
		}
	}
	if err := s.markers.SetContent(markers.APIUploaded, time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warningf("failed to set upload marker: %v", err)
	}

	if req.Apply {
		s.applyAsync()
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploaded": true, "applying": req.Apply})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.markers.Present(markers.APIUploaded) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "nothing uploaded to apply"})
		return
	}
	s.applyAsync()
	writeJSON(w, http.StatusAccepted, map[string]any{"applying": true})
}

// applyAsync re-provisions from the stored uploads in the background. The
// HTTP response returns before the apply completes; callers poll /status.
func (s *Server) applyAsync() {
	habitat := readUpload(filepath.Join(s.settings.StateDir, UploadedManifestName))
	agents := readUpload(filepath.Join(s.settings.StateDir, UploadedAgentLibName))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.applier(ctx, habitat, agents); err != nil {
			s.logger.Errorf("apply failed: %v", err)
			return
		}
		s.logger.Infof("uploaded configuration applied")
	}()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.syncUp(r.Context()); err != nil {
		s.logger.Errorf("sync failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": true})
}

// handlePrepareShutdown runs a bounded final sync, then stops the planned
// services so the external provisioner can delete the host without losing
// conversational state.
func (s *Server) handlePrepareShutdown(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), ShutdownSyncTimeout)
	defer cancel()
	synced := true
	if err := s.syncUp(ctx); err != nil {
		// Shutdown proceeds anyway; holding the host hostage to a sync
		// failure costs more than the unsynced delta.
		s.logger.Errorf("pre-shutdown sync failed: %v", err)
		synced = false
	}

	stopped := s.stopServices()
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced, "stopped": stopped})
}

func (s *Server) stopServices() int {
	plan, err := services.LoadPlan(s.settings.PlanFile())
	if err != nil {
		s.logger.Warningf("no service plan to stop: %v", err)
		return 0
	}
	stopped := 0
	for _, u := range plan.Units {
		if u.Name == "habitat-api.service" {
			continue // stopping ourselves would cut the response short
		}
		if err := s.runner("systemctl", "stop", u.Name); err != nil {
			s.logger.Warningf("failed to stop %s: %v", u.Name, err)
			continue
		}
		stopped++
	}
	return stopped
}

func (s *Server) groupStatuses() []groupStatus {
	if s.m == nil {
		return nil
	}
	var out []groupStatus
	for _, g := range s.m.Groups() {
		out = append(out, groupStatus{
			Name:             g.Name,
			Unhealthy:        s.markers.Present(markers.Unhealthy(g.Name)),
			SafeMode:         s.markers.Present(markers.SafeMode(g.Name)),
			Exhausted:        s.markers.Present(markers.Exhausted(g.Name)),
			RecoveryAttempts: s.markers.Counter(markers.RecoveryAttempts(g.Name)),
		})
	}
	return out
}

const redacted = "REDACTED"

// redactManifest deep-copies the manifest with every credential masked.
func redactManifest(m *manifest.Manifest) *manifest.Manifest {
	out := *m
	if out.APISecret != "" {
		out.APISecret = redacted
	}
	out.ProviderKeys = maskMap(m.ProviderKeys)
	out.Agents = make([]manifest.Agent, len(m.Agents))
	for i, a := range m.Agents {
		out.Agents[i] = a
		out.Agents[i].Tokens = maskMap(a.Tokens)
		out.Agents[i].ProviderKeys = maskMap(a.ProviderKeys)
	}
	return &out
}

func maskMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k := range in {
		out[k] = redacted
	}
	return out
}

func readUpload(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
