// Command node starts a peer-to-peer exchange node and provides
// subcommands to place orders and query its state over the node's local
// control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rishav/p2p-exchange/internal/api"
	"github.com/rishav/p2p-exchange/internal/breaker"
	"github.com/rishav/p2p-exchange/internal/config"
	"github.com/rishav/p2p-exchange/internal/decimal"
	"github.com/rishav/p2p-exchange/internal/discovery"
	"github.com/rishav/p2p-exchange/internal/node"
	"github.com/rishav/p2p-exchange/internal/peer"
	"github.com/rishav/p2p-exchange/internal/ratelimit"
	"github.com/rishav/p2p-exchange/internal/router"
	"github.com/rishav/p2p-exchange/internal/transport"
	"github.com/rishav/p2p-exchange/internal/validate"
)

var (
	apiAddr string
	nodeID  string
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Run and operate a peer-to-peer limit order exchange node",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7780", "control API address of a running node")

	root.AddCommand(
		newStartCmd(),
		newOrderCmd("buy"),
		newOrderCmd("sell"),
		newCancelCmd(),
		newBookCmd(),
		newTradesCmd(),
		newOrdersCmd(),
		newPeersCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── start ──────────────────────────────────────────────────────────────

func newStartCmd() *cobra.Command {
	var controlAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a node: P2P listener, matching engine, and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(controlAddr)
		},
	}
	cmd.Flags().StringVar(&controlAddr, "listen", "127.0.0.1:7780", "control API bind address")
	return cmd
}

func runStart(controlAddr string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg.Log.Level)
	self := uuid.NewString()

	maxAmount, err := decimal.NewFromString(cfg.Performance.MaxOrderAmount)
	if err != nil {
		return fmt.Errorf("parsing max order amount: %w", err)
	}
	maxPrice, err := decimal.NewFromString(cfg.Performance.MaxOrderPrice)
	if err != nil {
		return fmt.Errorf("parsing max order price: %w", err)
	}

	nodeCfg := node.Config{
		NodeID: self,
		Pair:   cfg.Exchange.Pair,
		Transport: transport.Config{
			SelfNodeID: self,
			ListenAddr: fmt.Sprintf("%s:%d", cfg.P2P.Host, cfg.P2P.Port),
			SelfPort:   cfg.P2P.Port,
		},
		Peer: peerConfig(cfg),
		PeerStore: peer.NewFileStore(cfg.P2P.PeerStoragePath),
		Router:    router.DefaultConfig(),
		Discovery: discovery.Config{
			SelfNodeID:           self,
			SelfPort:             cfg.P2P.Port,
			BootstrapPeers:       cfg.P2P.BootstrapPeers,
			EnableMDNS:           cfg.P2P.EnableMDNS,
			EnablePeerExchange:   cfg.P2P.EnablePeerExchange,
			MulticastGroup:       "224.0.0.251:7701",
			MulticastInterval:    30 * time.Second,
			PeerExchangeInterval: time.Minute,
		},
		RateLimit: ratelimitConfig(cfg),
		Validate: validate.Config{
			MaxOrderAmount: maxAmount,
			MaxOrderPrice:  maxPrice,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout(),
		},
	}

	n := node.New(nodeCfg, logrus.NewEntry(log))
	if err := n.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	ctrl := api.New(api.Config{Addr: controlAddr}, n, logrus.NewEntry(log))
	if err := ctrl.Start(); err != nil {
		n.Shutdown()
		return fmt.Errorf("starting control API: %w", err)
	}

	log.WithField("node_id", self).WithField("pair", cfg.Exchange.Pair).Info("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctrl.Shutdown()
	n.Shutdown()
	return nil
}

func peerConfig(cfg config.Config) peer.Config {
	pc := peer.DefaultConfig()
	pc.MaxInbound = cfg.P2P.MaxInbound
	pc.MaxOutbound = cfg.P2P.MaxOutbound
	return pc
}

func ratelimitConfig(cfg config.Config) ratelimit.Config {
	if !cfg.Security.EnableRateLimit {
		unlimited := ratelimit.Limit{N: math.MaxInt, Window: time.Second}
		return ratelimit.Config{Limits: map[ratelimit.Category]ratelimit.Limit{
			ratelimit.Orders:   unlimited,
			ratelimit.Requests: unlimited,
			ratelimit.Messages: unlimited,
		}}
	}
	return ratelimit.Config{
		Limits: map[ratelimit.Category]ratelimit.Limit{
			ratelimit.Orders:   {N: cfg.Security.OrdersPerMinute, Window: time.Minute},
			ratelimit.Requests: {N: cfg.Security.RequestsPerSec, Window: time.Second},
			ratelimit.Messages: {N: cfg.Security.MessagesPerMin, Window: time.Minute},
		},
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
	return log
}

// ─── buy / sell ─────────────────────────────────────────────────────────

func newOrderCmd(side string) *cobra.Command {
	var userID, amount, price string
	cmd := &cobra.Command{
		Use:   side + " --user <id> --amount <amt> --price <px>",
		Short: fmt.Sprintf("Place a %s order against a running node", side),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := postJSON(apiAddr+"/order", map[string]string{
				"user_id": userID,
				"side":    side,
				"amount":  amount,
				"price":   price,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placing the order")
	cmd.Flags().StringVar(&amount, "amount", "", "order amount")
	cmd.Flags().StringVar(&price, "price", "", "limit price")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("price")
	return cmd
}

// ─── cancel ─────────────────────────────────────────────────────────────

func newCancelCmd() *cobra.Command {
	var orderID string
	cmd := &cobra.Command{
		Use:   "cancel --order <id>",
		Short: "Cancel a resting order",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := deleteJSON(apiAddr + "/cancel?order_id=" + orderID)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&orderID, "order", "", "order id to cancel")
	cmd.MarkFlagRequired("order")
	return cmd
}

// ─── book / trades / orders / peers ────────────────────────────────────

func newBookCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Show the current order book depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := getJSON(fmt.Sprintf("%s/book?depth=%d", apiAddr, depth))
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 10, "number of price levels per side")
	return cmd
}

func newTradesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show recent executed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := getJSON(fmt.Sprintf("%s/trades?limit=%d", apiAddr, limit))
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max trades to return")
	return cmd
}

func newOrdersCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "orders --user <id>",
		Short: "Show a user's resting orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := getJSON(apiAddr + "/orders?user_id=" + userID)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Show the node's peer table",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := getJSON(apiAddr + "/peers")
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

// ─── HTTP client helpers ────────────────────────────────────────────────

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(url string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func deleteJSON(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func getJSON(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
