package acton

import (
	"context"
	"errors"
	"testing"
)

func TestChainInterceptorsOrder(t *testing.T) {
	model := &scriptedModel{responses: []ModelResponse{{Content: "base"}}}
	var order []string
	tag := func(name string) ModelInterceptor {
		return ModelInterceptorFunc(func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
			order = append(order, name+"-before")
			resp, err := next(ctx, req)
			order = append(order, name+"-after")
			return resp, err
		})
	}

	handler := ChainInterceptors(model, tag("outer"), tag("inner"))
	resp, err := handler(context.Background(), ModelRequest{})
	if err != nil || resp.Content != "base" {
		t.Fatalf("unexpected result %+v, %v", resp, err)
	}
	want := []string{"outer-before", "inner-before", "inner-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestChainInterceptorsRewrite(t *testing.T) {
	model := &scriptedModel{responses: []ModelResponse{{Content: "raw"}}}
	redact := ModelInterceptorFunc(func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
		req.Messages = append(req.Messages, SystemMessage("redaction on"))
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		resp.Content = "[" + resp.Content + "]"
		return resp, nil
	})

	resp, err := ChainInterceptors(model, redact)(context.Background(), ModelRequest{})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if resp.Content != "[raw]" {
		t.Errorf("response not rewritten: %q", resp.Content)
	}
}

func TestChainInterceptorsShortCircuit(t *testing.T) {
	model := &scriptedModel{}
	cached := ModelInterceptorFunc(func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
		return ModelResponse{Content: "from cache"}, nil
	})

	resp, err := ChainInterceptors(model, cached)(context.Background(), ModelRequest{})
	if err != nil || resp.Content != "from cache" {
		t.Fatalf("unexpected result %+v, %v", resp, err)
	}
	if model.calls != 0 {
		t.Errorf("client called despite short-circuit")
	}
}

func TestChainInterceptorsWrapsClientError(t *testing.T) {
	model := &scriptedModel{err: errors.New("dial tcp: refused")}
	_, err := ChainInterceptors(model)(context.Background(), ModelRequest{})
	var external *ErrExternalFailure
	if !errors.As(err, &external) {
		t.Errorf("expected external failure, got %v", err)
	}
}
