package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/channelmonitor"
	"trafficengine/internal/config"
	"trafficengine/internal/dispatcher"
	"trafficengine/internal/engine"
	"trafficengine/internal/funnel"
	"trafficengine/internal/handlers"
	"trafficengine/internal/ledger"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/proxypool"
	"trafficengine/internal/repository"
	"trafficengine/internal/session"
	"trafficengine/internal/strategy"
	"trafficengine/internal/telegramclient"
	"trafficengine/internal/textgen"
	"trafficengine/internal/warmup"
	"trafficengine/pkg/cache"
	pkgconfig "trafficengine/pkg/config"
	"trafficengine/pkg/crypto"
	"trafficengine/pkg/database"
	"trafficengine/pkg/logger"
	"trafficengine/pkg/messaging"
	"trafficengine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/net/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
)

func main() {
	infraCfg := pkgconfig.LoadConfig()

	domainCfgPath := os.Getenv("TRAFFIC_ENGINE_CONFIG")
	domainCfg, err := config.Load(domainCfgPath)
	if err != nil {
		fmt.Printf("failed to load domain config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(infraCfg.App.LogLevel, "text")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := database.NewMongoDB(infraCfg.Database.URI, infraCfg.Database.DBName, 10*time.Second)
	if err != nil {
		log.Fatal("failed to connect to mongodb", logger.Field{Key: "error", Value: err.Error()})
	}
	defer mongoClient.Close()
	db := mongoClient.GetDatabase()

	if err := ensureIndexes(db); err != nil {
		log.Error("failed to ensure indexes", logger.Field{Key: "error", Value: err.Error()})
	}

	redisCache, err := cache.NewRedisCache(infraCfg.Redis.Host, infraCfg.Redis.Port, infraCfg.Redis.Password, infraCfg.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect to redis", logger.Field{Key: "error", Value: err.Error()})
	}
	_ = redisCache

	rabbit, err := messaging.NewRabbitMQ(infraCfg.RabbitMQ.URL)
	if err != nil {
		log.Fatal("failed to connect to rabbitmq", logger.Field{Key: "error", Value: err.Error()})
	}
	defer rabbit.Close()

	if err := rabbit.SetupTopology(); err != nil {
		log.Fatal("failed to set up rabbitmq topology", logger.Field{Key: "error", Value: err.Error()})
	}

	encryptor, err := crypto.NewEncryptor(infraCfg.Crypto.EncryptionKey)
	if err != nil {
		log.Fatal("failed to build encryptor", logger.Field{Key: "error", Value: err.Error()})
	}

	textGenConn, err := dialService(infraCfg.Transport.TextGenServiceURL)
	if err != nil {
		log.Error("failed to dial text generation service", logger.Field{Key: "error", Value: err.Error()})
	}

	accountRepo := repository.NewAccountRepository(db)
	actionRepo := repository.NewActionRepository(db)
	channelRepo := repository.NewChannelRepository(db)
	postRepo := repository.NewPostRepository(db)
	inviteRepo := repository.NewInviteRepository(db)
	conversionRepo := repository.NewConversionRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	proxyRepo := repository.NewProxyRepository(db, encryptor, log)
	strategyRepo := repository.NewStrategyRepository(db)
	warmupLimitRepo := repository.NewWarmupLimitRepository(db)

	m := metrics.New(prometheus.NewRegistry())

	accounts := accountstore.New(accountRepo, log)
	ledgerSvc := ledger.New(ledgerRepo, log)
	proxies := proxypool.New(proxyRepo, domainCfg, log)
	oracle := strategy.New(strategyRepo, domainCfg, log)
	planner := warmup.New(accountRepo, warmupLimitRepo, ledgerSvc, domainCfg, log)

	var gen textgen.Generator = textgen.NewFakeGenerator()
	if textGenConn != nil {
		gen = textgen.NewGRPCClient(textGenConn)
	}
	reliableGen := textgen.NewReliable(gen, domainCfg, log)

	newTelegramClient := func(accountID primitive.ObjectID, proxyRecord *models.Proxy) telegramclient.Client {
		conn, err := dialTelegramTransport(infraCfg.Transport.TelegramServiceURL, proxyRecord)
		if err != nil {
			log.Error("failed to dial telegram transport, falling back to fake client",
				logger.Field{Key: "account_id", Value: accountID.Hex()},
				logger.Field{Key: "error", Value: err.Error()},
			)
			return telegramclient.NewFakeClient()
		}
		return telegramclient.NewGRPCClient(conn)
	}
	registry := session.NewRegistry(newTelegramClient, proxies, domainCfg, log)

	readerAccountID, err := pickReaderAccount(ctx, accounts)
	if err != nil {
		log.Error("no reader account available for channel monitor, posts will not be observed", logger.Field{Key: "error", Value: err.Error()})
	}
	monitor := channelmonitor.New(channelRepo, postRepo, registry, rabbit, m, domainCfg, log, readerAccountID)

	funnelMgr := funnel.New(inviteRepo, conversionRepo, registry, reliableGen, m, domainCfg, log)

	disp := dispatcher.New(accounts, channelRepo, monitor, planner, ledgerSvc, oracle, reliableGen, registry, actionRepo, rabbit, m, domainCfg, log)
	poller := dispatcher.NewReplyPoller(accounts, actionRepo, registry, oracle, m, domainCfg, log)

	sup := engine.New(accounts, disp, poller, monitor, funnelMgr, rabbit, rabbit, proxies, m, domainCfg, log)

	adminService := handlers.NewService(accountRepo, actionRepo, log)
	adminAuth := middleware.NewAuthMiddleware(infraCfg.Auth.JWTSecret)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.StartWorkers(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		startGRPCServer(domainCfg.Admin.GRPCPort, adminService, log)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		startHTTPServer(domainCfg.Admin.HTTPPort, adminService, adminAuth, infraCfg.RateLimit, log)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ledger.RunCompactor(ctx, ledgerSvc, log)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down traffic engine")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.Duration(domainCfg.Shutdown.GraceSeconds) * time.Second
	select {
	case <-done:
		log.Info("traffic engine shutdown complete")
	case <-time.After(grace):
		log.Error("shutdown grace period exceeded")
	}
}

// pickReaderAccount selects the first active account in any segment to
// drive the channel monitor's reads; any active account can act as the
// fleet's shared reader since FetchNewPosts doesn't mutate state.
func pickReaderAccount(ctx context.Context, accounts *accountstore.Store) (primitive.ObjectID, error) {
	for _, segment := range models.AllSegments {
		list, err := accounts.ListByStatus(ctx, models.AccountStatusActive, segment)
		if err != nil {
			return primitive.NilObjectID, err
		}
		if len(list) > 0 {
			return list[0].ID, nil
		}
	}
	return primitive.NilObjectID, fmt.Errorf("no active account found in any segment")
}

// dialService opens a plain (proxy-less) gRPC connection to an internal
// service address, the shape every non-Telegram-transport client uses.
func dialService(target string) (*grpc.ClientConn, error) {
	if target == "" {
		return nil, fmt.Errorf("service address is empty")
	}
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(50*1024*1024),
			grpc.MaxCallSendMsgSize(50*1024*1024),
		),
	)
}

// dialTelegramTransport opens a gRPC connection to the Telegram transport
// service, routed through proxyRecord's endpoint when one was assigned.
// SOCKS5 uses golang.org/x/net/proxy's dialer; HTTP CONNECT has no
// equivalent there, so it's hand-rolled below. MTProto-kind proxies can't
// carry a gRPC byte stream and are rejected outright.
func dialTelegramTransport(target string, proxyRecord *models.Proxy) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(50*1024*1024),
			grpc.MaxCallSendMsgSize(50*1024*1024),
		),
	}

	if proxyRecord != nil {
		dialer, err := proxyContextDialer(proxyRecord)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithContextDialer(dialer))
	}

	return grpc.NewClient(target, opts...)
}

func proxyContextDialer(p *models.Proxy) (func(context.Context, string) (net.Conn, error), error) {
	switch p.Kind {
	case models.ProxyKindSOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.Endpoint, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
		}
		if ctxDialer, ok := d.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext, nil
		}
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return d.Dial("tcp", addr)
		}, nil
	case models.ProxyKindHTTP:
		return httpConnectDialer(p), nil
	default:
		return nil, fmt.Errorf("proxy kind %q cannot carry a gRPC transport dial", p.Kind)
	}
}

// httpConnectDialer tunnels a TCP connection through an HTTP proxy via
// CONNECT. golang.org/x/net/proxy has no HTTP CONNECT dialer, so this is
// the one piece of transport wiring built directly on net/http's
// plumbing rather than a pack dependency.
func httpConnectDialer(p *models.Proxy) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", p.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to dial http proxy: %w", err)
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			req.SetBasicAuth(p.Username, p.Password)
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to write connect request: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read connect response: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("http proxy connect failed: %s", resp.Status)
		}
		return conn, nil
	}
}

func startGRPCServer(port int, adminService *handlers.Service, log logger.Logger) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Error("failed to listen for grpc", logger.Field{Key: "port", Value: port}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(50*1024*1024),
		grpc.MaxSendMsgSize(50*1024*1024),
	)
	grpcHandler := handlers.NewGRPCHandler(adminService, log)
	grpcServer.RegisterService(&handlers.ServiceDesc, grpcHandler)
	reflection.Register(grpcServer)

	log.Info("admin grpc server listening", logger.Field{Key: "port", Value: port})
	if err := grpcServer.Serve(lis); err != nil {
		log.Error("admin grpc server failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

func startHTTPServer(port int, adminService *handlers.Service, auth *middleware.AuthMiddleware, rateLimit pkgconfig.RateLimitConfig, log logger.Logger) {
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	if rateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(rateLimit.Requests, rateLimit.Window)
		router.Use(rateLimiter.Middleware())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	httpHandler := handlers.NewHTTPHandler(adminService, log)
	httpHandler.RegisterRoutes(router, auth)

	log.Info("admin http server listening", logger.Field{Key: "port", Value: port})
	if err := router.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Error("admin http server failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

func ensureIndexes(db *mongo.Database) error {
	collections := map[string][]mongo.IndexModel{
		"accounts": {
			{Keys: map[string]interface{}{"status": 1, "segment": 1}},
			{Keys: map[string]interface{}{"proxy_id": 1}},
		},
		"action_records": {
			{Keys: map[string]interface{}{"account_id": 1, "started_at": -1}},
			{Keys: map[string]interface{}{"error_kind": 1, "started_at": -1}},
		},
		"target_channels": {
			{Keys: map[string]interface{}{"username": 1}},
		},
		"post_observations": {
			{Keys: map[string]interface{}{"channel": 1, "telegram_message_id": 1}},
		},
		"invite_links": {
			{Keys: map[string]interface{}{"invite_hash": 1}},
		},
		"proxies": {
			{Keys: map[string]interface{}{"in_use_by_account_id": 1}},
		},
	}

	for collName, indexes := range collections {
		coll := db.Collection(collName)
		for _, index := range indexes {
			if _, err := coll.Indexes().CreateOne(context.Background(), index); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", collName, err)
			}
		}
	}

	return nil
}
