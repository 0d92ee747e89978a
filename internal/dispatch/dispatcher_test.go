package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"agentforge/internal/capability"
	"agentforge/internal/dispatch"
)

type stubClassifier struct {
	label string
	err   error
	calls int
}

func (s *stubClassifier) Classify(ctx context.Context, query string) (string, error) {
	s.calls++
	return s.label, s.err
}

type stubHandler struct {
	tag    capability.Tag
	out    capability.Result
	gotAct capability.Action
}

func (s *stubHandler) Tag() capability.Tag { return s.tag }

func (s *stubHandler) Invoke(ctx context.Context, act capability.Action) (capability.Result, error) {
	s.gotAct = act
	return s.out, nil
}

func newDispatcher(cls dispatch.Classifier) (*dispatch.Dispatcher, map[capability.Tag]*stubHandler) {
	handlers := map[capability.Tag]*stubHandler{
		capability.TagInventory: {tag: capability.TagInventory, out: capability.Result{Output: "inventory says hi"}},
		capability.TagOrder:     {tag: capability.TagOrder, out: capability.Result{Output: "order says hi"}},
		capability.TagCustomer:  {tag: capability.TagCustomer, out: capability.Result{Output: "customer says hi"}},
	}
	d := dispatch.New(cls, handlers[capability.TagInventory], handlers[capability.TagOrder], handlers[capability.TagCustomer])
	return d, handlers
}

func TestRouteClassifiedToInventory(t *testing.T) {
	cls := &stubClassifier{label: "INVENTORY"}
	d, handlers := newDispatcher(cls)
	res, err := d.Route(context.Background(), "how many widgets left?", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != capability.TagInventory || res.Result != "inventory says hi" {
		t.Fatalf("unexpected route result: %+v", res)
	}
	if handlers[capability.TagInventory].gotAct.Query != "how many widgets left?" {
		t.Fatalf("query text not forwarded")
	}
}

func TestUnrecognizedLabelFallsBackToOrder(t *testing.T) {
	for _, label := range []string{"SHIPPING", "", "i have no idea"} {
		cls := &stubClassifier{label: label}
		d, _ := newDispatcher(cls)
		res, err := d.Route(context.Background(), "do something", "")
		if err != nil {
			t.Fatal(err)
		}
		if res.Agent != capability.TagOrder {
			t.Fatalf("label %q: expected ORDER fallback, got %s", label, res.Agent)
		}
	}
}

func TestClassifierErrorFallsBackToOrder(t *testing.T) {
	cls := &stubClassifier{err: errors.New("model unavailable")}
	d, _ := newDispatcher(cls)
	if tag := d.Classify(context.Background(), "anything"); tag != capability.TagOrder {
		t.Fatalf("expected ORDER on classifier error, got %s", tag)
	}
}

func TestPinnedTagSkipsClassification(t *testing.T) {
	cls := &stubClassifier{label: "INVENTORY"}
	d, _ := newDispatcher(cls)
	res, err := d.Route(context.Background(), "hello", capability.TagCustomer)
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != capability.TagCustomer {
		t.Fatalf("pinned tag ignored: %+v", res)
	}
	if cls.calls != 0 {
		t.Fatalf("classifier called despite pinned tag")
	}
}

func TestRouteUnregisteredTag(t *testing.T) {
	cls := &stubClassifier{label: "ORDER"}
	d := dispatch.New(cls) // no handlers at all
	if _, err := d.Route(context.Background(), "hello", capability.TagOrder); err == nil {
		t.Fatalf("expected error for unregistered handler")
	}
}

func TestRouteSurfacesTaggedFailureAsText(t *testing.T) {
	cls := &stubClassifier{label: "CUSTOMER"}
	d, handlers := newDispatcher(cls)
	handlers[capability.TagCustomer].out = capability.Failure("could not reach customer system")
	res, err := d.Route(context.Background(), "who is C1?", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != "could not reach customer system" {
		t.Fatalf("failure reason not surfaced: %+v", res)
	}
}
