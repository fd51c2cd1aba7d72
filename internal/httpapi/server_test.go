package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/streamkit-io/streamkit/internal/assetstore"
	"github.com/streamkit-io/streamkit/internal/config"
	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/permissions"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pluginhost"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/session"
)

type blockingNode struct{}

func (blockingNode) InputPins() []pin.InputPin   { return nil }
func (blockingNode) OutputPins() []pin.OutputPin { return nil }
func (blockingNode) Run(ctx node.Context) error {
	<-ctx.Done
	return nil
}

type quickNode struct{}

func (quickNode) InputPins() []pin.InputPin   { return nil }
func (quickNode) OutputPins() []pin.OutputPin { return nil }
func (quickNode) Run(ctx node.Context) error  { return nil }

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.KindInfo{
		Kind:    "test::block",
		Factory: func(_ json.RawMessage) (node.ProcessorNode, error) { return blockingNode{}, nil },
	}))
	require.NoError(t, reg.Register(registry.KindInfo{
		Kind:    "test::quick",
		Factory: func(_ json.RawMessage) (node.ProcessorNode, error) { return quickNode{}, nil },
	}))
	return reg
}

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	reg := newTestRegistry(t)
	log := slog.New(slog.DiscardHandler)
	sessions := session.NewManager(reg, engine.ProfileBalanced, session.Limits{}, log)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.SamplesDir = dir + "/samples"
	cfg.Server.AssetsDir = dir + "/assets"
	cfg.Server.DatabasePath = dir + "/streamkit.db"
	cfg.Permissions = permissions.Config{
		DefaultRole: "admin",
		Roles:       map[string]permissions.Permissions{"admin": permissions.Admin()},
	}

	store, err := assetstore.Open(cfg.Server.DatabasePath, cfg.Server.AssetsDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plugins := pluginhost.NewManager(pluginhost.Config{WasmDir: dir + "/wasm", NativeDir: dir + "/native"}, reg, sessions, log)

	return New(cfg, reg, sessions, plugins, store, log), sessions
}

func decodeJSON(t *testing.T, body io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(v))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetConfigAndPermissions(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfgResp configResponse
	decodeJSON(t, resp.Body, &cfgResp)
	require.Equal(t, "balanced", cfgResp.EngineProfile)

	permResp, err := http.Get(ts.URL + "/api/v1/permissions")
	require.NoError(t, err)
	defer permResp.Body.Close()
	var info permissions.Info
	decodeJSON(t, permResp.Body, &info)
	require.True(t, info.CreateSessions, "expected admin role to have create_sessions")
}

func TestSchemaNodesListsRegisteredKinds(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/schema/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var kinds []nodeKindView
	decodeJSON(t, resp.Body, &kinds)
	require.Len(t, kinds, 2)
}

func TestCreateSessionThenGetPipeline(t *testing.T) {
	s, sessions := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()
	defer func() {
		for _, info := range sessions.List() {
			sessions.Destroy(info.ID)
		}
	}()

	body, _ := json.Marshal(createSessionRequest{YAML: "steps:\n  - kind: test::block\n"})
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createSessionResponse
	decodeJSON(t, resp.Body, &created)
	require.NotEmpty(t, created.SessionID)

	pipelineResp, err := http.Get(ts.URL + "/api/v1/sessions/" + created.SessionID + "/pipeline")
	require.NoError(t, err)
	defer pipelineResp.Body.Close()
	require.Equal(t, http.StatusOK, pipelineResp.StatusCode)
	var view pipelineView
	decodeJSON(t, pipelineResp.Body, &view)
	require.Len(t, view.Nodes, 1)
	require.Equal(t, "test::block", view.Nodes[0].Kind)
}

func TestOneshotSampleRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(createSampleRequest{ID: "demo", YAML: "steps:\n  - kind: test::block\n"})
	resp, err := http.Post(ts.URL+"/api/v1/samples/oneshot", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/api/v1/samples/oneshot")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []sampleInfo
	decodeJSON(t, listResp.Body, &list)
	require.Len(t, list, 1)
	require.Equal(t, "demo", list[0].ID)

	getResp, err := http.Get(ts.URL + "/api/v1/samples/oneshot/demo")
	require.NoError(t, err)
	defer getResp.Body.Close()
	data, _ := io.ReadAll(getResp.Body)
	require.Equal(t, "steps:\n  - kind: test::block\n", string(data))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/samples/oneshot/demo", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestAssetUploadDownloadDelete(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "clip.wav")
	require.NoError(t, err)
	part.Write([]byte("fake-wav-bytes"))
	w.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/assets/audio", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var meta assetstore.AssetMetadata
	decodeJSON(t, resp.Body, &meta)
	require.NotEmpty(t, meta.ID)

	dlResp, err := http.Get(ts.URL + "/api/v1/assets/audio/" + meta.ID)
	require.NoError(t, err)
	defer dlResp.Body.Close()
	data, _ := io.ReadAll(dlResp.Body)
	require.Equal(t, "fake-wav-bytes", string(data))

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/assets/audio/"+meta.ID, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestProcessRunsOneshotPipelineToCompletion(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("pipeline", "mode: oneshot\nsteps:\n  - kind: test::quick\n")
	w.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/process", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out processResponse
	decodeJSON(t, resp.Body, &out)
	require.True(t, out.Completed, "expected pipeline to complete")
}
