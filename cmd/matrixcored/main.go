// Command matrixcored wires the core's components into a runnable daemon:
// the session store, failure caches, the Olm session manager, the
// verification receiver and cache, the background sweep engine, and (when
// Redis is configured) the Pulse event sink. Timeline handlers and
// pagination are not wired here. It exists to show the intended composition; a production client
// embeds the same packages and supplies its own transport and Olm binding.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"go.matrixcore.dev/core/config"
	"go.matrixcore.dev/core/crypto"
	"go.matrixcore.dev/core/engine"
	enginmem "go.matrixcore.dev/core/engine/inmem"
	enginetemporal "go.matrixcore.dev/core/engine/temporal"
	"go.matrixcore.dev/core/failsafe"
	"go.matrixcore.dev/core/olm"
	"go.matrixcore.dev/core/store/memory"
	"go.matrixcore.dev/core/stream"
	streampulse "go.matrixcore.dev/core/stream/pulse"
	"go.matrixcore.dev/core/telemetry"
	"go.matrixcore.dev/core/transport"
	"go.matrixcore.dev/core/verification"

	temporalclient "go.temporal.io/sdk/client"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config; defaults apply when missing")
		redisAddr    = flag.String("redis", "", "Redis address for Pulse streams and shared failure caches (optional)")
		temporalAddr = flag.String("temporal", "", "Temporal frontend address for durable sweeps (optional)")
		userID       = flag.String("user", "", "our Matrix user id")
		deviceID     = flag.String("device", "", "our device id")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *redisAddr, *temporalAddr, *userID, *deviceID); err != nil {
		log.Errorf(ctx, err, "matrixcored exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, redisAddr, temporalAddr, userID, deviceID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if userID == "" || deviceID == "" {
		return fmt.Errorf("both -user and -device are required")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	var redisClient *goredis.Client
	if redisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{Addr: redisAddr})
		defer redisClient.Close()
	}

	failCfg := failsafe.Config{
		Initial: cfg.FailureCacheInitialBackoff,
		Max:     cfg.FailureCacheMaxBackoff,
	}
	var serverFailures, deviceFailures failsafe.Cache
	if redisClient != nil {
		serverFailures = failsafe.NewRedisCache(redisClient, "failures:server", failCfg)
		deviceFailures = failsafe.NewRedisCache(redisClient, "failures:device", failCfg)
	} else {
		serverFailures = failsafe.NewMemoryCache(failCfg)
		deviceFailures = failsafe.NewMemoryCache(failCfg)
	}

	st := memory.New()
	dispatcher := loggingDispatcher{log: logger}

	sessions := olm.New(st, unboundPrimitives{}, dispatcher, serverFailures, deviceFailures, olm.Config{
		UnwedgingInterval: cfg.UnwedgingInterval,
		KeyClaimTimeout:   cfg.KeyClaimTimeout,
	}, olm.WithLogger(logger), olm.WithMetrics(metrics))

	verifCache := verification.NewMemoryCache()
	// The receiver is fed from the sync loop, which a real client owns; this
	// daemon wires it so the verification path is live end to end.
	receiver := verification.NewReceiver(verifCache, userID, deviceID, []string{"m.sas.v1"},
		verification.WithLogger(logger), verification.WithMetrics(metrics))
	_ = receiver

	var sink stream.Sink
	if redisClient != nil {
		pulseClient, err := streampulse.NewClient(streampulse.ClientOptions{Redis: redisClient})
		if err != nil {
			return err
		}
		sink, err = streampulse.NewSink(streampulse.SinkOptions{Client: pulseClient})
		if err != nil {
			return err
		}
		defer sink.Close(ctx)
	}

	eng, err := buildEngine(temporalAddr, logger)
	if err != nil {
		return err
	}
	if err := eng.RegisterSweep(ctx, engine.Sweep{
		Name:  "verification-gc",
		Every: time.Minute,
		Handler: func(ctx context.Context) error {
			outgoing, err := verifCache.GarbageCollect(ctx, time.Now(), cfg.VerificationTimeout)
			if err != nil {
				return err
			}
			for _, out := range outgoing {
				logger.Info(ctx, "verification flow timed out", "flow", out.Flow.Key())
				if sink != nil {
					_ = sink.Send(ctx, stream.VerificationTransition{Flow: out.Flow, State: "cancelled", Code: string(verification.CancelTimeout)})
				}
			}
			return nil
		},
	}); err != nil {
		return err
	}
	if err := eng.RegisterSweep(ctx, engine.Sweep{
		Name:  "unwedging-scan",
		Every: time.Minute,
		Handler: func(ctx context.Context) error {
			req, err := sessions.GetMissingSessions(ctx, nil)
			if err != nil || req == nil {
				return err
			}
			logger.Info(ctx, "key claim scheduled", "txn_id", req.TxnID, "devices", len(req.Devices))
			if sink != nil {
				_ = sink.Send(ctx, stream.OutgoingRequest{TxnID: req.TxnID, Kind: "keys_claim"})
			}
			return nil
		},
	}); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close(context.Background())

	log.Infof(ctx, "matrixcored up: user=%s device=%s redis=%t temporal=%t", userID, deviceID, redisClient != nil, temporalAddr != "")
	<-ctx.Done()
	log.Infof(ctx, "matrixcored shutting down")
	return nil
}

func buildEngine(temporalAddr string, logger telemetry.Logger) (engine.Engine, error) {
	if temporalAddr == "" {
		return enginmem.New(enginmem.WithLogger(logger)), nil
	}
	return enginetemporal.New(enginetemporal.Options{
		ClientOptions: &temporalclient.Options{HostPort: temporalAddr},
		TaskQueue:     "matrixcore-sweeps",
		Logger:        logger,
	})
}

// loggingDispatcher stands in for the homeserver transport: it logs every
// outgoing request instead of sending it. A real deployment satisfies
// transport.Dispatcher with its homeserver client.
type loggingDispatcher struct {
	log telemetry.Logger
}

func (d loggingDispatcher) SendToDevice(ctx context.Context, req transport.ToDeviceRequest) error {
	d.log.Info(ctx, "outgoing to-device request", "txn_id", req.TxnID, "type", req.EventType)
	return nil
}

func (d loggingDispatcher) ClaimKeys(ctx context.Context, req transport.KeysClaimRequest) (transport.KeysClaimResponse, error) {
	d.log.Info(ctx, "outgoing keys claim", "txn_id", req.TxnID)
	return transport.KeysClaimResponse{}, nil
}

func (d loggingDispatcher) QueryKeys(ctx context.Context, req transport.KeysQueryRequest) error {
	d.log.Info(ctx, "outgoing keys query", "txn_id", req.TxnID)
	return nil
}

func (d loggingDispatcher) SendRoomMessage(ctx context.Context, req transport.RoomMessageRequest) error {
	d.log.Info(ctx, "outgoing room message", "txn_id", req.TxnID, "room_id", req.RoomID)
	return nil
}

func (d loggingDispatcher) UploadSignatures(ctx context.Context, req transport.SignatureUploadRequest) error {
	d.log.Info(ctx, "outgoing signature upload", "txn_id", req.TxnID)
	return nil
}

// unboundPrimitives is the placeholder Olm binding: every operation reports
// that no implementation is linked. A production build provides a
// libolm/vodozemac-backed crypto.Primitives here.
type unboundPrimitives struct{}

var errNoOlmBinding = fmt.Errorf("no olm binding linked: %w", crypto.ErrUnsupportedAlgorithm)

func (unboundPrimitives) CreateOutbound(context.Context, crypto.CurveKey, crypto.OneTimeKey) (crypto.SessionID, crypto.Pickle, error) {
	return "", nil, errNoOlmBinding
}

func (unboundPrimitives) CreateInbound(context.Context, crypto.CurveKey, []byte) (crypto.SessionID, crypto.Pickle, []byte, error) {
	return "", nil, nil, errNoOlmBinding
}

func (unboundPrimitives) Encrypt(context.Context, crypto.Pickle, []byte) ([]byte, crypto.Pickle, error) {
	return nil, nil, errNoOlmBinding
}

func (unboundPrimitives) Decrypt(context.Context, crypto.Pickle, []byte) ([]byte, crypto.Pickle, error) {
	return nil, nil, errNoOlmBinding
}
