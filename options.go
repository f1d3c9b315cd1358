package mediator

// DispatchOption configures a Dispatcher at construction (mirrors the
// teacher's functional-options shape for HandlerOption/RequestOption,
// repointed at server-side dispatch concerns).
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	onError AsyncErrorHandler
}

func dispatchDefaults() dispatchOptions {
	return dispatchOptions{}
}

// WithAsyncErrorHandler registers a callback that Registry.Dispatch
// invokes with each error a protocol handler returns (the error is still
// returned to Dispatch's caller).
func WithAsyncErrorHandler(h AsyncErrorHandler) DispatchOption {
	return func(o *dispatchOptions) {
		o.onError = h
	}
}

// ReplyOption configures how Message.Reply fills in a response message.
type ReplyOption func(*replyOptions)

type replyOptions struct {
	parentThreadID string
}

func replyDefaults() replyOptions {
	return replyOptions{}
}

// WithParentThread sets the parent thread id (pthid) on the reply, for
// protocols that nest a sub-protocol inside a parent thread.
func WithParentThread(pthid string) ReplyOption {
	return func(o *replyOptions) {
		o.parentThreadID = pthid
	}
}
