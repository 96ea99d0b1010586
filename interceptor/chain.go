package interceptor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/metrics"
)

// ChainConfig configures the chain's ambient dependencies.
type ChainConfig struct {
	Metrics metrics.Sink
	Logger  *slog.Logger
	Clock   clockwork.Clock
}

func (c *ChainConfig) applyDefaults() {
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Chain executes interceptors in registration order. There is no priority
// or weight system; order of Use calls is the execution order.
type Chain struct {
	cfg          ChainConfig
	clock        clockwork.Clock
	log          *slog.Logger
	metrics      metrics.Sink
	interceptors []Interceptor
}

// NewChain constructs an empty chain.
func NewChain(cfg ChainConfig) *Chain {
	cfg.applyDefaults()
	return &Chain{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Use appends interceptors to the chain.
func (c *Chain) Use(is ...Interceptor) {
	c.interceptors = append(c.interceptors, is...)
}

// Len returns the number of registered interceptors.
func (c *Chain) Len() int { return len(c.interceptors) }

// Process runs every interceptor over the envelope. The returned envelope
// reflects any Modify outcomes. Fatal or configuration failures (and
// dependency errors) abort the pass; a Block outcome returns *BlockedError.
func (c *Chain) Process(ctx context.Context, env envelope.Envelope, ic *Context) (envelope.Envelope, error) {
	for _, i := range c.interceptors {
		if skip := c.versionGated(i, env); skip {
			c.log.DebugContext(ctx, "interceptor.version_gated",
				slog.String("interceptor", i.Name()),
				slog.String("protocol_version", env.Context.Session.ProtocolVersion))
			continue
		}
		if err := c.checkDependencies(i, ic); err != nil {
			c.countOutcome(string(KindFatal))
			return envelope.Envelope{}, err
		}

		out, err := c.invoke(ctx, i, env, ic)
		if err != nil {
			cont, cerr := c.classify(ctx, i, err)
			if !cont {
				return envelope.Envelope{}, cerr
			}
			continue
		}

		switch out.kind {
		case outcomeContinue:
			c.countOutcome("continue")
		case outcomeModify:
			c.countOutcome("modify")
			env = out.env
		case outcomeBlock:
			c.countOutcome("block")
			return env, &BlockedError{Interceptor: i.Name(), Reason: out.reason}
		}
	}
	return env, nil
}

// invoke runs the interceptor, honoring a single Retry re-invocation. The
// retry wait polls cancellation; a second failure of any non-fatal kind is
// downgraded to recoverable so no retry loop can form.
func (c *Chain) invoke(ctx context.Context, i Interceptor, env envelope.Envelope, ic *Context) (Outcome, error) {
	out, err := i.Intercept(ctx, env, ic)
	if err == nil {
		return out, nil
	}

	var ie *Error
	if !errors.As(err, &ie) || ie.Kind != KindRetry {
		return out, err
	}

	c.countOutcome(string(KindRetry))
	select {
	case <-ctx.Done():
		return Outcome{}, Fatal(ctx.Err())
	case <-c.clock.After(ie.RetryDelay):
	}

	out, err = i.Intercept(ctx, env, ic)
	if err == nil {
		return out, nil
	}
	var second *Error
	if errors.As(err, &second) && (second.Kind == KindFatal || second.Kind == KindConfiguration) {
		return out, err
	}
	return out, Recoverable(err)
}

// classify applies the chain's recovery policy to a failure. cont reports
// whether the pass continues to the next interceptor.
func (c *Chain) classify(ctx context.Context, i Interceptor, err error) (cont bool, out error) {
	var ie *Error
	if !errors.As(err, &ie) {
		// Untyped failures are absorbed like recoverable ones; only an
		// explicit classification may abort traffic.
		ie = Recoverable(err)
	}
	ie.Interceptor = i.Name()

	switch ie.Kind {
	case KindFatal, KindConfiguration:
		c.countOutcome(string(ie.Kind))
		c.log.ErrorContext(ctx, "interceptor.failed",
			slog.String("interceptor", i.Name()),
			slog.String("kind", string(ie.Kind)),
			slog.String("err", ie.Error()))
		return false, ie
	case KindSkip:
		c.countOutcome(string(KindSkip))
		c.log.DebugContext(ctx, "interceptor.skipped",
			slog.String("interceptor", i.Name()),
			slog.String("reason", ie.Error()))
		return true, nil
	default:
		c.countOutcome(string(KindRecoverable))
		c.log.WarnContext(ctx, "interceptor.recovered",
			slog.String("interceptor", i.Name()),
			slog.String("err", ie.Error()))
		return true, nil
	}
}

// versionGated reports whether the interceptor declared a supported-version
// set that excludes the envelope's negotiated version.
func (c *Chain) versionGated(i Interceptor, env envelope.Envelope) bool {
	vg, ok := i.(VersionGated)
	if !ok {
		return false
	}
	supported := vg.SupportedVersions()
	if len(supported) == 0 {
		// An empty declaration means "all versions".
		return false
	}
	v := env.Context.Session.ProtocolVersion
	if v == "" {
		// No negotiated version yet (pre-initialize); do not gate.
		return false
	}
	for _, sv := range supported {
		if sv == v {
			return false
		}
	}
	return true
}

// checkDependencies raises a fatal dependency error when a declared
// required key is absent from the pass context.
func (c *Chain) checkDependencies(i Interceptor, ic *Context) error {
	kd, ok := i.(KeyDependent)
	if !ok {
		return nil
	}
	for _, key := range kd.RequiredKeys() {
		if !ic.Has(key) {
			return &Error{
				Kind:        KindFatal,
				Interceptor: i.Name(),
				Err:         errMissingDependency(key),
			}
		}
	}
	return nil
}

func errMissingDependency(key string) error {
	return errors.New("missing required context key: " + key)
}

func (c *Chain) countOutcome(kind string) {
	c.metrics.IncCounter(metrics.InterceptorOutcomes, map[string]string{"kind": kind})
}
