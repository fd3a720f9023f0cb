package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/quietline/anonchat/internal/engine"
	"github.com/quietline/anonchat/internal/history"
	"github.com/quietline/anonchat/internal/messaging"
	"github.com/quietline/anonchat/internal/protocol"
	"github.com/quietline/anonchat/internal/ratelimit"
	"github.com/quietline/anonchat/internal/ws"
)

type config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	NatsURL   string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	DedupTTL        time.Duration `envconfig:"DEDUP_TTL" default:"30s"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"2m"`
	SweepCorrective bool          `envconfig:"SWEEP_CORRECTIVE" default:"false"`
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NatsURL
	natsConfig.Name = "anonchat-chatserver"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// History writes land in Redis and are mirrored to NATS for the archiver.
	histLog := history.NewMirror(history.NewRedisLog(rdb), natsClient)

	engCfg := engine.DefaultConfig()
	engCfg.DedupTTL = cfg.DedupTTL
	engCfg.SweepInterval = cfg.SweepInterval
	engCfg.SweepCorrective = cfg.SweepCorrective
	eng := engine.New(engCfg, histLog)

	limiter := ratelimit.NewLimiter(rdb)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	log.Printf("anonchat server starting")
	log.Printf("  listen_addr:    %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:    %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_conns:      %d", serverConfig.MaxConnections)
	log.Printf("  redis_addr:     %s", cfg.RedisAddr)
	log.Printf("  nats_url:       %s", cfg.NatsURL)
	log.Printf("  dedup_ttl:      %s", cfg.DedupTTL)
	log.Printf("  sweep_interval: %s (corrective=%v)", cfg.SweepInterval, cfg.SweepCorrective)

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// find_partner — bind identity, then rejoin / pair / enqueue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindPartner, func(conn *ws.Connection, msg interface{}) {
		findMsg, ok := msg.(protocol.FindPartnerMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if allowed, _ := limiter.Allow(ctx, findMsg.UserID, ratelimit.RuleFind); !allowed {
			dispatcher.SendError(conn, protocol.CodeRateLimited, "too many search requests")
			return
		}

		// Bind the caller-supplied identity to this connection. A reconnect
		// rebinds the same user to a new connection; the engine keeps any
		// session the user is in.
		conn.UserID = findMsg.UserID
		conn.DeviceID = findMsg.DeviceID

		if err := eng.Register(findMsg.UserID, ws.NewHandle(conn)); err != nil {
			dispatcher.SendError(conn, protocol.CodeInvalidInput, "missing user id")
			return
		}

		result, err := eng.FindPartner(findMsg.UserID)
		if err != nil {
			log.Printf("find_partner user=%s: %v", findMsg.UserID, err)
			dispatcher.SendError(conn, errorCode(err), "find partner failed")
			return
		}

		// The outcome events (waiting / session_joined) are delivered
		// through the registered handle.
		log.Printf("find_partner user=%s status=%s session=%s",
			findMsg.UserID, result.Status, result.SessionID)
	})

	// -----------------------------------------------------------------------
	// message — relay to the session partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if conn.UserID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidInput, "identity not bound, send find_partner first")
			return
		}

		ctx := context.Background()
		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleSend); !allowed {
			dispatcher.SendError(conn, protocol.CodeRateLimited, "sending too fast")
			return
		}

		nonce := chatMsg.Nonce
		if nonce == "" {
			nonce = conn.DeviceID
		}

		relayed, err := eng.SendMessage(chatMsg.SessionID, conn.UserID, chatMsg.Text, nonce)
		if err != nil {
			dispatcher.SendError(conn, errorCode(err), err.Error())
			return
		}

		ack, err := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			ID:        relayed.ID,
			SessionID: relayed.SessionID,
			Ts:        relayed.Ts,
		})
		if err != nil {
			log.Printf("message ack build user=%s: %v", conn.UserID, err)
			return
		}
		if err := conn.WriteMessage(ack); err != nil {
			log.Printf("message ack send user=%s: %v", conn.UserID, err)
		}
	})

	// -----------------------------------------------------------------------
	// end_chat — close the session, partner is notified by the engine
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndChat, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndChatMsg)
		if !ok {
			return
		}
		if conn.UserID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidInput, "identity not bound, send find_partner first")
			return
		}

		if err := eng.EndChat(endMsg.SessionID, conn.UserID); err != nil {
			dispatcher.SendError(conn, errorCode(err), err.Error())
			return
		}

		// Confirm to the caller; the engine only notifies the partner.
		resp, err := protocol.NewServerMessage(protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: endMsg.SessionID,
			Reason:    string(engine.EndReasonUser),
		})
		if err != nil {
			log.Printf("end_chat response build user=%s: %v", conn.UserID, err)
			return
		}
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("end_chat response send user=%s: %v", conn.UserID, err)
		}
		log.Printf("end_chat user=%s session=%s", conn.UserID, endMsg.SessionID)
	})

	// -----------------------------------------------------------------------
	// cancel_search — leave the waiting pool
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCancelSearch, func(conn *ws.Connection, msg interface{}) {
		if conn.UserID == "" {
			dispatcher.SendError(conn, protocol.CodeInvalidInput, "identity not bound, send find_partner first")
			return
		}

		// The confirmation event is delivered through the handle whether or
		// not the user was actually waiting.
		removed := eng.CancelSearch(conn.UserID)
		log.Printf("cancel_search user=%s removed=%v", conn.UserID, removed)
	})

	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Per-IP cap on connection attempts, checked before the upgrade.
	// Allow fails open, so a Redis hiccup never locks everyone out.
	server.SetConnectGate(func(ip string) bool {
		allowed, _ := limiter.Allow(context.Background(), ip, ratelimit.RuleConnect)
		return allowed
	})

	// A dropped connection ends any active session with reason "disconnect".
	// The engine ignores handles that were already replaced by a reconnect.
	server.SetOnDisconnect(func(connID string) {
		if userID, ok := eng.Disconnect(connID); ok {
			log.Printf("disconnect cleanup conn=%s user=%s", connID, userID)
		}
	})

	// Safety-net sweep for stranded waiters.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go eng.RunSweep(sweepCtx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancelSweep()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		eng.Close()
		natsClient.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// errorCode maps engine errors onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, engine.ErrNotParticipant):
		return protocol.CodeNotParticipant
	case errors.Is(err, engine.ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	default:
		return protocol.CodeInvalidInput
	}
}
