package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/chicplay/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/chicplay/internal/service/grpc"
)

const idempotencyHeader = "idempotency-key"

type loadMode string

const (
	// modeCheckout — только PlaceOrder.
	modeCheckout loadMode = "checkout"
	// modeCheckoutRead — PlaceOrder, затем GetOrder и GetProfile по результату.
	modeCheckoutRead loadMode = "checkout-read"
)

type config struct {
	addr        string
	total       int
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	productID   string
	size        string
	color       string
	quantity    int
	unitPrice   decimal.Decimal
	userTag     string
	// expectStock — остаток ячейки до запуска; -1 отключает проверку на перепродажу.
	expectStock int
	outputPath  string
}

type caller interface {
	Call(ctx context.Context, method string, in any, out any, opts ...grpc.CallOption) error
}

func parseConfig(args []string) (config, error) {
	cfg := config{}
	var (
		modeValue  string
		priceValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total checkout scenarios")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 8, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-read")
	fs.StringVar(&cfg.productID, "product", "floral-dress", "product id to buy")
	fs.StringVar(&cfg.size, "size", "M", "size to buy")
	fs.StringVar(&cfg.color, "color", "Blush", "color to buy (required for products with variations)")
	fs.IntVar(&cfg.quantity, "quantity", 1, "units per order")
	fs.StringVar(&priceValue, "price", "49.90", "unit price")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.IntVar(&cfg.expectStock, "expect-stock", -1, "stock of the cell before the run; enables oversell check")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	price, err := decimal.NewFromString(strings.TrimSpace(priceValue))
	if err != nil {
		return cfg, fmt.Errorf("parse price: %w", err)
	}
	cfg.unitPrice = price

	switch {
	case cfg.total <= 0:
		return cfg, errors.New("total must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.unitPrice.IsNegative():
		return cfg, errors.New("price must be >= 0")
	case strings.TrimSpace(cfg.productID) == "":
		return cfg, errors.New("product is required")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutRead:
		return modeCheckoutRead, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]caller, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result := runLoad(context.Background(), cfg, clients)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	switch {
	case result.Stock.Oversold || result.Stock.Undersold:
		os.Exit(2)
	case result.FailedScenarios > 0:
		os.Exit(1)
	}
}

// runLoad прогоняет cfg.total сценариев на пуле воркеров и собирает отчёт.
func runLoad(ctx context.Context, cfg config, clients []caller) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(jobs)
		for i := 0; i < cfg.total; i++ {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case jobs <- i:
			}
		}
		return nil
	})
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		client := clients[workerID%len(clients)]
		group.Go(func() error {
			for index := range jobs {
				runScenario(groupCtx, client, cfg, index, runID, col)
			}
			return nil
		})
	}
	_ = group.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), cfg)
}

func runScenario(ctx context.Context, client caller, cfg config, index int, runID string, col *collector) {
	scenarioStart := time.Now()
	scenarioCode := codes.OK
	placed, soldOut := false, false
	defer func() {
		col.record(scenarioMethod, time.Since(scenarioStart), scenarioCode)
		col.outcome(placed, soldOut)
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)
	var result domain.CheckoutResult
	err := timedCall(ctx, client, cfg.timeout, "PlaceOrder", grpcsvc.MethodPlaceOrder,
		checkoutRequest(cfg, userID), &result, col,
		metadata.Pairs(idempotencyHeader, fmt.Sprintf("lt-%s-%d", runID, index)))
	if err != nil {
		scenarioCode = grpcCode(err)
		// отказ по остатку — ожидаемый исход, когда товар распродан
		soldOut = scenarioCode == codes.FailedPrecondition
		return
	}
	if result.OrderID == "" {
		scenarioCode = codes.Internal
		return
	}
	placed = true

	if cfg.mode != modeCheckoutRead {
		return
	}
	if err := timedCall(ctx, client, cfg.timeout, "GetOrder", grpcsvc.MethodGetOrder,
		grpcsvc.GetOrderRequest{OrderID: result.OrderID}, nil, col, nil); err != nil {
		scenarioCode = grpcCode(err)
		return
	}
	if err := timedCall(ctx, client, cfg.timeout, "GetProfile", grpcsvc.MethodGetProfile,
		grpcsvc.GetProfileRequest{UserID: userID}, nil, col, nil); err != nil {
		scenarioCode = grpcCode(err)
	}
}

func checkoutRequest(cfg config, userID string) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		UserID: userID,
		Lines: []domain.CheckoutLine{{
			ProductID: cfg.productID,
			Size:      cfg.size,
			Color:     cfg.color,
			Quantity:  cfg.quantity,
			UnitPrice: cfg.unitPrice,
		}},
		TotalAmount: cfg.unitPrice.Mul(decimal.NewFromInt(int64(cfg.quantity))),
		Shipping: domain.ShippingAddress{
			FullName:   "Load Test",
			Line1:      "1 Benchmark Way",
			City:       "Testville",
			PostalCode: "00000",
			Country:    "US",
		},
	}
}

func timedCall(
	ctx context.Context,
	client caller,
	timeout time.Duration,
	name, method string,
	in, out any,
	col *collector,
	md metadata.MD,
) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if md != nil {
		callCtx = metadata.NewOutgoingContext(callCtx, md)
	}

	err := client.Call(callCtx, method, in, out)
	col.record(name, time.Since(start), grpcCode(err))
	return err
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}
