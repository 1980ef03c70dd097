package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopherex.com/internal/adapter"
	custodianconfig "gopherex.com/internal/config"
	"gopherex.com/internal/dispatcher"
	"gopherex.com/internal/distinction/address"
	"gopherex.com/internal/distinction/amount"
	"gopherex.com/internal/distinction/tag"
	"gopherex.com/internal/distinction/utxo"
	"gopherex.com/internal/ledger"
	"gopherex.com/internal/outbox"
	"gopherex.com/internal/scheduler"
	"gopherex.com/pkg/logger"
	"gopherex.com/pkg/orm"
	"gopherex.com/pkg/xredis"
)

var configFile = flag.String("f", "./config/custodian.yaml", "the config file")

func main() {
	flag.Parse()

	cfg, err := custodianconfig.Load()
	if err != nil {
		panic("load config: " + err.Error())
	}

	logger.Init(cfg.Name, "info")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedDB := orm.NewMySQL(&orm.Config{DSN: cfg.Mysql.DataSource, MaxIdle: 10, MaxOpen: 50, MaxLifetime: 3600})

	var rdb = xredis.NewRedis(&xredis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	lockMaster := xredis.NewRedisLockMaster(rdb)

	ob := outbox.New(sharedDB)
	if err := ob.AutoMigrate(); err != nil {
		logger.Fatal(ctx, "outbox migrate failed", zap.Error(err))
	}

	var engines []scheduler.CoinEngine
	var dispatchCoins []dispatcher.Coin

	for _, coin := range cfg.Coins {
		db := sharedDB
		if coin.DatabasePath != "" {
			db, err = orm.NewSQLite(coin.DatabasePath)
			if err != nil {
				logger.Fatal(ctx, "sqlite open failed", zap.String("coin", coin.Name), zap.Error(err))
			}
		}
		store := ledger.New(db, coin.Name)
		if err := store.AutoMigrate(); err != nil {
			logger.Fatal(ctx, "ledger migrate failed", zap.String("coin", coin.Name), zap.Error(err))
		}

		a, err := buildAdapter(coin, store)
		if err != nil {
			logger.Fatal(ctx, "adapter init failed", zap.String("coin", coin.Name), zap.Error(err))
		}

		engines = append(engines, scheduler.CoinEngine{Coin: coin.Name, Adapter: a})
		dispatchCoins = append(dispatchCoins, dispatcher.Coin{Name: coin.Name, Adapter: a})
		logger.Info(ctx, "coin registered", zap.String("coin", coin.Name), zap.String("type", string(coin.Type)))
	}

	sched := scheduler.New(engines, ob, lockMaster, time.Duration(cfg.TickInterval)*time.Second)
	sched.Start(ctx)

	disp := dispatcher.New(dispatchCoins, ob)
	srv := newHTTPServer(cfg.HTTP.Addr, disp, engines)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server failed", zap.Error(err))
		}
	}()
	logger.Info(ctx, "custodian started", zap.String("addr", cfg.HTTP.Addr))

	<-ctx.Done()
	sched.Stop()
	logger.Info(ctx, "shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown error", zap.Error(err))
	}
	logger.Sync()
}

// buildAdapter constructs the distinction engine matching the coin's
// configured type, per SPEC_FULL's MODULE MAP C.
func buildAdapter(coin custodianconfig.Coin, store *ledger.Store) (adapter.Adapter, error) {
	switch coin.Type {
	case custodianconfig.Satoshi:
		return utxo.New(coin, store)
	case custodianconfig.Buterin:
		client, err := ethclient.Dial(coin.Account.Web3URL)
		if err != nil {
			return nil, fmt.Errorf("dial web3: %w", err)
		}
		return address.New(coin, store, client)
	case custodianconfig.ERC20:
		client, err := ethclient.Dial(coin.Account.Web3URL)
		if err != nil {
			return nil, fmt.Errorf("dial web3: %w", err)
		}
		return amount.New(coin, store, client)
	case custodianconfig.Ripple:
		return tag.New(coin, store)
	default:
		return nil, fmt.Errorf("unknown coin type %q", coin.Type)
	}
}
