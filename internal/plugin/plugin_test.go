package plugin_test

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/plugin"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
)

type fakePlugin struct {
	id           string
	deps         []string
	activated    *[]string
	failActivate bool
}

func (f *fakePlugin) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: f.id, Name: f.id, Type: plugin.KindFeature, Dependencies: f.deps}
}

func (f *fakePlugin) GetSchemas() []storage.Schema { return nil }

func (f *fakePlugin) Install(context.Context, *plugin.Context) error { return nil }

func (f *fakePlugin) Activate(_ context.Context, _ *plugin.Context) error {
	if f.failActivate {
		return errFake
	}

	*f.activated = append(*f.activated, f.id)

	return nil
}

func (f *fakePlugin) Deactivate(context.Context, *plugin.Context) error { return nil }
func (f *fakePlugin) Uninstall(context.Context, *plugin.Context) error  { return nil }

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake activation failure" }

func newTestHost(t *testing.T) *plugin.Host {
	t.Helper()

	adapter := memory.New()

	for _, schema := range storage.CoreSchemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			t.Fatalf("RegisterSchema: %v", err)
		}
	}

	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bus := eventbus.New(logging.Discard())
	k := kernel.New(adapter, bus, logging.Discard())

	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	return plugin.New(k, bus, logging.Discard())
}

func TestActivateAllRespectsDependencyOrder(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	base := &fakePlugin{id: "base", activated: &activated}
	dependent := &fakePlugin{id: "dependent", deps: []string{"base"}, activated: &activated}

	if err := h.Register(dependent); err != nil {
		t.Fatalf("Register(dependent): %v", err)
	}

	if err := h.Register(base); err != nil {
		t.Fatalf("Register(base): %v", err)
	}

	if err := h.InstallAll(context.Background()); err != nil {
		t.Fatalf("InstallAll: %v", err)
	}

	if err := h.ActivateAll(context.Background()); err != nil {
		t.Fatalf("ActivateAll: %v", err)
	}

	if len(activated) != 2 || activated[0] != "base" || activated[1] != "dependent" {
		t.Fatalf("activation order = %v, want [base dependent]", activated)
	}
}

func TestActivateAllDetectsCycle(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	a := &fakePlugin{id: "a", deps: []string{"b"}, activated: &activated}
	b := &fakePlugin{id: "b", deps: []string{"a"}, activated: &activated}

	if err := h.Register(a); err != nil {
		t.Fatalf("Register(a): %v", err)
	}

	if err := h.Register(b); err != nil {
		t.Fatalf("Register(b): %v", err)
	}

	if err := h.ActivateAll(context.Background()); err == nil {
		t.Fatalf("ActivateAll with cycle: err = nil, want error")
	}
}

func TestActivateAllMarksFailedPluginError(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	failing := &fakePlugin{id: "failing", activated: &activated, failActivate: true}

	if err := h.Register(failing); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := h.ActivateAll(context.Background()); err == nil {
		t.Fatalf("ActivateAll: err = nil, want error")
	}

	status, err := h.Status("failing")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if status != plugin.StatusError {
		t.Fatalf("status = %v, want StatusError", status)
	}
}

func TestIDsReturnsRegistrationOrder(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	first := &fakePlugin{id: "first", activated: &activated}
	second := &fakePlugin{id: "second", activated: &activated}

	if err := h.Register(first); err != nil {
		t.Fatalf("Register(first): %v", err)
	}

	if err := h.Register(second); err != nil {
		t.Fatalf("Register(second): %v", err)
	}

	ids := h.IDs()
	if len(ids) != 2 || ids[0] != "first" || ids[1] != "second" {
		t.Fatalf("IDs() = %v, want [first second]", ids)
	}
}

func TestMetadataReturnsRegisteredInfo(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	p := &fakePlugin{id: "indexer", deps: []string{"base"}, activated: &activated}

	if err := h.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	meta, err := h.Metadata("indexer")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}

	if meta.ID != "indexer" || len(meta.Dependencies) != 1 || meta.Dependencies[0] != "base" {
		t.Fatalf("Metadata(indexer) = %+v, want ID=indexer Dependencies=[base]", meta)
	}
}

func TestMetadataUnknownPluginReturnsNotFound(t *testing.T) {
	h := newTestHost(t)

	if _, err := h.Metadata("ghost"); err == nil {
		t.Fatalf("Metadata(ghost): err = nil, want not-found error")
	}
}

func TestActivateSinglePluginDoesNotWalkDependencies(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	dependent := &fakePlugin{id: "dependent", deps: []string{"base"}, activated: &activated}

	if err := h.Register(dependent); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := h.Activate(context.Background(), "dependent"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if len(activated) != 1 || activated[0] != "dependent" {
		t.Fatalf("activated = %v, want [dependent]", activated)
	}

	status, err := h.Status("dependent")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if status != plugin.StatusActive {
		t.Fatalf("status = %v, want StatusActive", status)
	}
}

func TestActivateUnknownPluginReturnsNotFound(t *testing.T) {
	h := newTestHost(t)

	if err := h.Activate(context.Background(), "ghost"); err == nil {
		t.Fatalf("Activate(ghost): err = nil, want not-found error")
	}
}

func TestDeactivateInactivePluginIsNoop(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	p := &fakePlugin{id: "idle", activated: &activated}

	if err := h.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := h.Deactivate(context.Background(), "idle"); err != nil {
		t.Fatalf("Deactivate on never-activated plugin: %v", err)
	}
}

func TestActivateThenDeactivateRoundTrip(t *testing.T) {
	h := newTestHost(t)

	var activated []string

	p := &fakePlugin{id: "toggle", activated: &activated}

	if err := h.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := h.Activate(context.Background(), "toggle"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := h.Deactivate(context.Background(), "toggle"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	status, err := h.Status("toggle")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if status != plugin.StatusInactive {
		t.Fatalf("status = %v, want StatusInactive", status)
	}
}
