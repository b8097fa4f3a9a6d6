package acton

import "context"

// ModelHandler invokes a model (or a substitute) with a request.
type ModelHandler func(ctx context.Context, req ModelRequest) (ModelResponse, error)

// ModelInterceptor wraps a model invocation. An interceptor may rewrite
// the request before calling next, rewrite the response after, or skip
// next entirely and substitute its own response.
type ModelInterceptor interface {
	Intercept(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error)
}

// ModelInterceptorFunc adapts a function to ModelInterceptor.
type ModelInterceptorFunc func(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error)

func (f ModelInterceptorFunc) Intercept(ctx context.Context, req ModelRequest, next ModelHandler) (ModelResponse, error) {
	return f(ctx, req, next)
}

// ChainInterceptors composes interceptors around a model client into a
// single handler. The first interceptor is outermost: it sees the request
// first and the response last.
func ChainInterceptors(client ModelClient, interceptors ...ModelInterceptor) ModelHandler {
	handler := func(ctx context.Context, req ModelRequest) (ModelResponse, error) {
		resp, err := client.Chat(ctx, req)
		if err != nil {
			return ModelResponse{}, &ErrExternalFailure{SPI: "model client", Err: err}
		}
		return resp, nil
	}
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		next := handler
		handler = func(ctx context.Context, req ModelRequest) (ModelResponse, error) {
			return ic.Intercept(ctx, req, next)
		}
	}
	return handler
}
