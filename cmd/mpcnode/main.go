// cmd/mpcnode runs a local, in-process demonstration of the coordination
// core: three simulated participants run a 2-of-3 DKG to completion and then
// jointly sign one message, with no real network transport (spec §1 lists
// "the transport layer" as out of scope — this demo's Send hook is a direct
// in-process frame queue standing in for it). Grounded on the teacher's
// cmd/signer/main.go for flag parsing, zap setup, and graceful shutdown.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/collider/mpc-coordcore/internal/address"
	"github.com/collider/mpc-coordcore/internal/curve"
	"github.com/collider/mpc-coordcore/internal/dkg"
	"github.com/collider/mpc-coordcore/internal/keystore"
	"github.com/collider/mpc-coordcore/internal/mesh"
	"github.com/collider/mpc-coordcore/internal/session"
	"github.com/collider/mpc-coordcore/internal/wallet"
)

func main() {
	storageDir := flag.String("storage", "./data/keystore", "Base directory for simulated participants' encrypted keystores")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	curveName := flag.String("curve", "secp256k1", "Curve to run the demo DKG/signing over (secp256k1, ed25519)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	c, err := curve.ParseCurve(*curveName)
	if err != nil {
		logger.Fatal("invalid curve", zap.Error(err))
	}

	storagePassword := os.Getenv("MPC_STORAGE_PASSWORD")
	if storagePassword == "" {
		storagePassword = "development-password-change-in-production"
		logger.Warn("using default storage password - set MPC_STORAGE_PASSWORD in production!")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Warn("received shutdown signal mid-demo")
		os.Exit(1)
	}()

	d := newDemo(logger, *storageDir, storagePassword, c)
	d.run()
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// outboundFrame is a queued-but-not-yet-delivered Send call. The queue is
// drained by a single goroutine outside of any coordinator's own call stack,
// the same discipline internal/dkg and internal/signing's own test harnesses
// use, so that cascading state transitions across the three simulated nodes
// never re-enter a node's own locked Coordinator on the same call stack.
type outboundFrame struct {
	to      session.ParticipantID
	payload []byte
}

// demo wires three wallet.Context instances together over an in-process
// frame bus and drives one session through DKG and one signing round.
type demo struct {
	log   *zap.Logger
	c     curve.Curve
	ids   []session.ParticipantID
	nodes map[session.ParticipantID]*wallet.Context

	qmu   sync.Mutex
	queue []outboundFrame

	dkgDone  chan struct{}
	dkgOnce  sync.Once
	groupKey []byte

	signDone chan struct{}
	signOnce sync.Once
	signature string
}

func newDemo(log *zap.Logger, storageDir, storagePassword string, c curve.Curve) *demo {
	ids := []session.ParticipantID{"mpc-1", "mpc-2", "mpc-3"}
	d := &demo{
		log:      log,
		c:        c,
		ids:      ids,
		nodes:    make(map[session.ParticipantID]*wallet.Context, len(ids)),
		dkgDone:  make(chan struct{}),
		signDone: make(chan struct{}),
	}

	for _, id := range ids {
		id := id
		ks, err := keystore.NewFileKeystore(log.Named(string(id)), filepath.Join(storageDir, string(id)))
		if err != nil {
			log.Fatal("failed to open keystore", zap.String("participant", string(id)), zap.Error(err))
		}
		d.nodes[id] = wallet.New(log.Named(string(id)), ks, wallet.Config{KeystorePassword: storagePassword}, wallet.Hooks{
			Send: func(peer session.ParticipantID, frameJSON []byte) {
				d.qmu.Lock()
				d.queue = append(d.queue, outboundFrame{to: peer, payload: frameJSON})
				d.qmu.Unlock()
			},
			OnMeshStateChanged: func(sessionID string, state mesh.State) {
				log.Named(string(id)).Debug("mesh state changed", zap.String("session_id", sessionID), zap.String("state", state.String()))
				if state == mesh.Ready {
					if err := d.nodes[id].StartDKG(sessionID); err != nil {
						log.Named(string(id)).Error("start_dkg failed", zap.Error(err))
					}
				}
			},
			OnDkgStateChanged: func(sessionID string, state dkg.State) {
				log.Named(string(id)).Debug("dkg state changed", zap.String("session_id", sessionID), zap.String("state", state.String()))
			},
			OnDkgComplete: func(walletID string, groupPublicKey []byte) {
				log.Named(string(id)).Info("dkg complete", zap.String("wallet_id", walletID), zap.String("group_public_key", hex.EncodeToString(groupPublicKey)))
				d.dkgOnce.Do(func() {
					d.groupKey = groupPublicKey
					close(d.dkgDone)
				})
			},
			OnSigningComplete: func(requestID string, signature string) {
				log.Named(string(id)).Info("signing complete", zap.String("request_id", requestID))
				d.signOnce.Do(func() {
					d.signature = signature
					close(d.signDone)
				})
			},
			OnFailed: func(id string, reason string) {
				log.Error("coordinator failed", zap.String("id", id), zap.String("reason", reason))
			},
		})
	}
	return d
}

// run drives the demo to completion: propose/accept a session, open every
// channel, let the mesh reach Ready (which triggers start_dkg via the
// OnMeshStateChanged hook above), then run one 2-of-3 signing round.
func (d *demo) run() {
	const sessionID = "demo-session-1"
	threshold := 2

	for _, id := range d.ids {
		if _, err := d.nodes[id].ProposeSession(sessionID, d.ids, threshold, d.c, "demo-chain", id); err != nil {
			d.log.Fatal("propose_session failed", zap.String("participant", string(id)), zap.Error(err))
		}
	}
	for _, id := range d.ids {
		if err := d.nodes[id].AcceptSession(sessionID); err != nil {
			d.log.Fatal("accept_session failed", zap.Error(err))
		}
	}
	d.drainToFixedPoint()

	// Every node observes every other node's channel as open — the demo has
	// no real transport-level handshake, so this simulates its outcome.
	for _, id := range d.ids {
		for _, peer := range d.ids {
			if peer == id {
				continue
			}
			if err := d.nodes[id].OnChannelState(sessionID, peer, mesh.ChannelOpen); err != nil {
				d.log.Fatal("on_channel_state failed", zap.Error(err))
			}
		}
	}
	d.drainToFixedPoint()

	<-d.dkgDone
	d.printAddresses()

	subset := []session.ParticipantIndex{1, 2}
	message := sha256.Sum256([]byte("hello from cmd/mpcnode"))
	requestID, err := d.nodes[d.ids[0]].StartSigning(sessionID, subset[0], subset, d.ids, message[:])
	if err != nil {
		d.log.Fatal("start_signing failed", zap.Error(err))
	}
	d.log.Info("signing started", zap.String("request_id", requestID))
	d.drainToFixedPoint()

	<-d.signDone
	d.log.Info("demo complete", zap.String("signature", d.signature))
}

func (d *demo) printAddresses() {
	switch d.c {
	case curve.Secp256k1:
		xy, err := curve.Secp256k1UncompressedXY(d.groupKey)
		if err != nil {
			d.log.Error("failed to decompress group public key", zap.Error(err))
			return
		}
		addr, err := address.Ethereum(xy)
		if err != nil {
			d.log.Error("failed to derive ethereum address", zap.Error(err))
			return
		}
		d.log.Info("derived ethereum address", zap.String("address", addr))
	case curve.Ed25519:
		addr, err := address.Solana(d.groupKey)
		if err != nil {
			d.log.Error("failed to derive solana address", zap.Error(err))
			return
		}
		d.log.Info("derived solana address", zap.String("address", addr))
	}
}

// drainToFixedPoint processes queued frames until none remain, dispatching
// each outside of any other call's stack (see outboundFrame's doc comment).
// A handler invoked during dispatch (e.g. OnMeshStateChanged driving
// start_dkg) may itself enqueue further frames; the loop picks those up too.
func (d *demo) drainToFixedPoint() {
	for {
		d.qmu.Lock()
		if len(d.queue) == 0 {
			d.qmu.Unlock()
			return
		}
		f := d.queue[0]
		d.queue = d.queue[1:]
		d.qmu.Unlock()
		d.dispatch(f)
	}
}

// wireEnvelope sniffs the "kind" discriminator every wallet frame shape
// carries, without needing to import the unexported frame types in
// internal/wallet.
type wireEnvelope struct {
	Kind string `json:"kind"`
}

func (d *demo) dispatch(f outboundFrame) {
	target, ok := d.nodes[f.to]
	if !ok {
		d.log.Error("frame addressed to unknown participant", zap.String("to", string(f.to)))
		return
	}

	var env wireEnvelope
	if err := json.Unmarshal(f.payload, &env); err != nil {
		d.log.Error("malformed frame", zap.Error(err))
		return
	}

	var err error
	switch env.Kind {
	case "mesh_ready":
		var fr struct {
			SessionID string `json:"session_id"`
			PeerID    string `json:"peer_id"`
		}
		if uerr := json.Unmarshal(f.payload, &fr); uerr != nil {
			err = uerr
			break
		}
		err = target.OnMeshReady(fr.SessionID, session.ParticipantID(fr.PeerID))

	case "dkg_round1":
		var fr struct {
			SessionID   string `json:"session_id"`
			SenderIndex int    `json:"sender_index"`
			PackageJSON string `json:"package_json"`
		}
		if uerr := json.Unmarshal(f.payload, &fr); uerr != nil {
			err = uerr
			break
		}
		err = target.OnDkgRound1(fr.SessionID, session.ParticipantIndex(fr.SenderIndex), fr.PackageJSON)

	case "dkg_round2":
		var fr struct {
			SessionID   string `json:"session_id"`
			SenderIndex int    `json:"sender_index"`
			PackageJSON string `json:"package_json"`
		}
		if uerr := json.Unmarshal(f.payload, &fr); uerr != nil {
			err = uerr
			break
		}
		err = target.OnDkgRound2(fr.SessionID, session.ParticipantIndex(fr.SenderIndex), fr.PackageJSON)

	case "signing_request":
		var fr struct {
			RequestID    string `json:"request_id"`
			WalletID     string `json:"wallet_id"`
			MessageHex   string `json:"message_hex"`
			SignerSubset []int  `json:"signer_subset"`
		}
		if uerr := json.Unmarshal(f.payload, &fr); uerr != nil {
			err = uerr
			break
		}
		message, derr := hex.DecodeString(fr.MessageHex)
		if derr != nil {
			err = derr
			break
		}
		subset := make([]session.ParticipantIndex, len(fr.SignerSubset))
		for i, v := range fr.SignerSubset {
			subset[i] = session.ParticipantIndex(v)
		}
		own, ok := ownIndexFor(d.ids, f.to)
		if !ok {
			err = fmt.Errorf("participant %s not found in roster", f.to)
			break
		}
		err = target.AcceptSigning(fr.RequestID, fr.WalletID, own, subset, d.ids, message)

	case "signing_commitment", "signing_share":
		var fr struct {
			RequestID   string `json:"request_id"`
			SenderIndex int    `json:"sender_index"`
			PayloadJSON string `json:"payload_json"`
		}
		if uerr := json.Unmarshal(f.payload, &fr); uerr != nil {
			err = uerr
			break
		}
		if env.Kind == "signing_commitment" {
			err = target.OnSigningCommitment(fr.RequestID, session.ParticipantIndex(fr.SenderIndex), fr.PayloadJSON)
		} else {
			err = target.OnSigningShare(fr.RequestID, session.ParticipantIndex(fr.SenderIndex), fr.PayloadJSON)
		}

	default:
		err = fmt.Errorf("unknown frame kind %q", env.Kind)
	}

	if err != nil {
		d.log.Warn("frame delivery failed", zap.String("to", string(f.to)), zap.String("kind", env.Kind), zap.Error(err))
	}
}

func ownIndexFor(ids []session.ParticipantID, id session.ParticipantID) (session.ParticipantIndex, bool) {
	for i, p := range ids {
		if p == id {
			return session.ParticipantIndex(i + 1), true
		}
	}
	return 0, false
}
