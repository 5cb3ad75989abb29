package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tickrelay/pkg/tickrelay"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tickrelay-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  stream     Subscribe to instruments and print ticks\n")
		fmt.Fprintf(os.Stderr, "  trade      Submit a trade and wait for its result\n")
		fmt.Fprintf(os.Stderr, "  bars       Print historical bars\n")
		fmt.Fprintf(os.Stderr, "  account    Print the account balance\n")
		fmt.Fprintf(os.Stderr, "  orders     List journaled orders\n")
		fmt.Fprintf(os.Stderr, "  health     Query the gRPC health endpoint\n")
		fmt.Fprintf(os.Stderr, "\nThe server URL defaults to $TICKRELAY_URL or http://localhost:5000.\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "version":
		fmt.Printf("tickrelay-cli %s\n", version)
	case "stream":
		err = runStream(ctx, args)
	case "trade":
		err = runTrade(ctx, args)
	case "bars":
		err = runBars(ctx, args)
	case "account":
		err = runAccount(ctx, args)
	case "orders":
		err = runOrders(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultURL() string {
	if u := os.Getenv("TICKRELAY_URL"); u != "" {
		return u
	}
	return "http://localhost:5000"
}

func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	url := fs.String("url", defaultURL(), "server base URL")
	return fs, url
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStream(ctx context.Context, args []string) error {
	fs, url := newFlags("stream")
	_ = fs.Parse(args)

	s, err := tickrelay.NewClient(*url).Stream(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, inst := range fs.Args() {
		if err := s.Subscribe(inst); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-s.Messages():
			if !ok {
				return s.Err()
			}
			printMessage(m)
		}
	}
}

func printMessage(m tickrelay.Message) {
	switch m.Type {
	case tickrelay.TypeTick:
		t, _ := m.Tick()
		fmt.Printf("%s  %-16s close=%.2f volume=%d\n", t.Timestamp.Local().Format(time.TimeOnly), t.Instrument, t.Close, t.Volume)
	case tickrelay.TypeOrderResult:
		fmt.Printf("order %s: %s %s %s\n", m.IntentID, m.Status, m.BrokerOrderID, m.Reason)
	case tickrelay.TypeBalance:
		fmt.Printf("balance: cash=%s buyingPower=%s %s\n", m.Cash, m.BuyingPower, m.Currency)
	case tickrelay.TypeError:
		fmt.Printf("error: %s\n", m.Reason)
	default:
		fmt.Printf("%s %s\n", m.Type, m.Instrument)
	}
}

func runTrade(ctx context.Context, args []string) error {
	fs, url := newFlags("trade")
	side := fs.String("side", "buy", "buy or sell")
	qty := fs.String("qty", "1", "quantity")
	limit := fs.String("limit", "", "limit price (market order when empty)")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait for the result")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tickrelay-cli trade [options] INSTRUMENT")
	}

	q, err := decimal.NewFromString(*qty)
	if err != nil {
		return fmt.Errorf("parsing -qty: %w", err)
	}
	req := tickrelay.Request{
		Side:       strings.ToLower(*side),
		Instrument: fs.Arg(0),
		Quantity:   &q,
		OrderType:  "market",
		Ref:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
	}
	if *limit != "" {
		px, err := decimal.NewFromString(*limit)
		if err != nil {
			return fmt.Errorf("parsing -limit: %w", err)
		}
		req.OrderType = "limit"
		req.LimitPrice = &px
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	s, err := tickrelay.NewClient(*url).Stream(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Trade(req); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for order result: %w", ctx.Err())
		case m, ok := <-s.Messages():
			if !ok {
				return fmt.Errorf("connection closed before result: %v", s.Err())
			}
			if m.Ref != req.Ref {
				continue
			}
			printMessage(m)
			if m.Type == tickrelay.TypeError {
				return fmt.Errorf("trade rejected locally")
			}
			return nil
		}
	}
}

func runBars(ctx context.Context, args []string) error {
	fs, url := newFlags("bars")
	tf := fs.String("timeframe", "1Day", "bar timeframe (e.g. 5Min, 1Hour, 1Day)")
	limit := fs.Int("limit", 20, "number of bars")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: tickrelay-cli bars [options] SYMBOL")
	}

	bars, err := tickrelay.NewClient(*url).GetBars(ctx, fs.Arg(0), *tf, *limit)
	if err != nil {
		return err
	}
	for _, b := range bars {
		fmt.Printf("%s  O=%.2f H=%.2f L=%.2f C=%.2f V=%d\n",
			b.Timestamp.Format(time.DateTime), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	return nil
}

func runAccount(ctx context.Context, args []string) error {
	fs, url := newFlags("account")
	_ = fs.Parse(args)

	acct, err := tickrelay.NewClient(*url).GetAccount(ctx)
	if err != nil {
		return err
	}
	return printJSON(acct)
}

func runOrders(ctx context.Context, args []string) error {
	fs, url := newFlags("orders")
	status := fs.String("status", "", "filter by status (accepted, rejected, error, pending)")
	limit := fs.Int("limit", 20, "maximum orders")
	_ = fs.Parse(args)

	orders, err := tickrelay.NewClient(*url).GetOrders(ctx, *status, *limit)
	if err != nil {
		return err
	}
	return printJSON(orders)
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "localhost:5001", "gRPC health address")
	service := fs.String("service", "", "service name (empty checks the server)")
	_ = fs.Parse(args)

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Println(resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
	return nil
}
