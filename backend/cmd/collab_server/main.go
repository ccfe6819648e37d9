package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"causalText/backend/internal/cache"
	"causalText/backend/internal/collab"
	"causalText/backend/internal/httpapi/handlers"
	"causalText/backend/internal/peer"
	"causalText/backend/internal/store"
	"causalText/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port         int      `mapstructure:"Port"`
		AllowOrigins []string `mapstructure:"AllowOrigins"`
	} `mapstructure:"Running"`
	Replica struct {
		ID uint64 `mapstructure:"ID"`
	} `mapstructure:"Replica"`
	Collab struct {
		Backend       string `mapstructure:"Backend"`
		WsConcurrency int    `mapstructure:"WsConcurrency"`
	} `mapstructure:"Collab"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		Topic       string   `mapstructure:"topic"`
		GroupPrefix string   `mapstructure:"groupPrefix"`
	} `mapstructure:"Kafka"`
	Journal struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Journal"`
	Discovery struct {
		Enabled bool     `mapstructure:"enabled"`
		Docs    []string `mapstructure:"docs"`
		Peers   []string `mapstructure:"peers"`
	} `mapstructure:"Discovery"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	// 环境变量覆盖，例如 REPLICA_ID=2、KAFKA_TOPIC=ops
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("Running.Port", 8083)
	v.SetDefault("Collab.Backend", collab.BackendCRDT)
	v.SetDefault("Collab.WsConcurrency", collab.MaxSemaphore)
	v.SetDefault("Kafka.groupPrefix", "causal-text-replica")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Replica.ID == 0 {
		return nil, errors.New("replica id must be set (Replica.ID)")
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)
	replica := cfg.Replica.ID

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := collab.ServiceOptions{Replica: replica, BackendKind: cfg.Collab.Backend}

	// === MySQL：快照（database/sql）+ 文档登记（gorm） ===
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		snapshotStore := store.NewSnapshotStore(db)
		if err := snapshotStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to create snapshot table: %v", err)
		}
		gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to init gorm: %v", err)
		}
		opts.Snapshots = snapshotStore
		opts.Documents = store.NewDocumentStore(gormDB)
	} else {
		log.Printf("mysql not configured, snapshots and document registry disabled")
	}

	// === 本地操作日志 ===
	if cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			log.Fatalf("Failed to create journal dir: %v", err)
		}
		journal, err := store.OpenJournal(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		defer journal.Close()
		opts.Journal = journal
	}

	svc, err := collab.NewInMemoryService(opts)
	if err != nil {
		log.Fatalf("Failed to init collab service: %v", err)
	}
	if err := svc.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore journal: %v", err)
	}

	// === Presence ===
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	} else {
		presenceCache = cache.NewMemoryPresence()
	}
	hub := ws.NewHub(presenceCache)
	svc.AddSink(hub)

	g, ctx := errgroup.WithContext(ctx)

	// === Kafka：本副本的操作发出去，其他副本的操作收进来 ===
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		kafkaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, replica, collab.NewSemaphoreControl(),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
		defer dispatcher.Close()
		svc.AddSink(dispatcher)

		// 每个副本独立的消费组，保证读到所有副本的操作
		group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, fmt.Sprintf("%s-%d", cfg.Kafka.GroupPrefix, replica), kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create kafka consumer group: %v", err)
		}
		defer group.Close()
		consumer := collab.NewKafkaConsumer(group, cfg.Kafka.Topic, svc)
		g.Go(func() error { return consumer.Run(ctx) })
	} else {
		log.Printf("kafka not configured, relying on websocket peers")
	}

	// === 对端副本 ===
	links := newLinkSet(ctx, g, svc)
	for _, url := range cfg.Discovery.Peers {
		for _, docID := range cfg.Discovery.Docs {
			links.start(url, docID)
		}
	}
	if cfg.Discovery.Enabled {
		server, err := peer.Advertise(replica, cfg.Running.Port)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer server.Shutdown()
		g.Go(func() error {
			return peer.Browse(ctx, replica, func(p peer.Peer) {
				for _, docID := range cfg.Discovery.Docs {
					links.start("ws://"+p.Addr+"/collab/ws", docID)
				}
			})
		})
	}

	// === HTTP ===
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControlN(cfg.Collab.WsConcurrency))
	documentHandler := handlers.NewDocumentHandler(svc, presenceCache)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.Running.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Running.AllowOrigins
	} else {
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	}
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "replica": replica})
	})
	documentHandler.Register(collabGroup)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Running.Port), Handler: r}
	g.Go(func() error {
		log.Printf("collab server replica=%d listening on %s", replica, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("collab server stopped: %v", err)
	}
}

// linkSet 同一个对端地址 + 文档只建一条连接
type linkSet struct {
	ctx  context.Context
	g    *errgroup.Group
	svc  *collab.InMemoryService
	mu   sync.Mutex
	seen map[string]struct{}
}

func newLinkSet(ctx context.Context, g *errgroup.Group, svc *collab.InMemoryService) *linkSet {
	return &linkSet{ctx: ctx, g: g, svc: svc, seen: make(map[string]struct{})}
}

func (s *linkSet) start(url, docID string) {
	key := url + "#" + docID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}

	link := peer.NewLink(url, docID, s.svc)
	s.svc.AddSink(link)
	log.Printf("peer link started: %s doc=%s", url, docID)
	s.g.Go(func() error { return link.Run(s.ctx) })
}
