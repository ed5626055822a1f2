// Command marketws-watch subscribes to one market-data stream and prints the
// canonical record whenever it changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidewave/marketws"
)

const (
	pollEvery     = time.Second
	shutdownGrace = 45 * time.Second
)

func main() {
	exchange := flag.String("exchange", "binance", "exchange to connect to, one of "+strings.Join(marketws.SupportedExchanges(), ", "))
	symbol := flag.String("symbol", "BTC/USDT", "unified symbol BASE/QUOTE")
	endpoint := flag.String("endpoint", "ticker", "stream endpoint: order_book, kline, trades, or ticker")
	interval := flag.String("interval", "1m", "kline interval, ignored for other endpoints")
	testnet := flag.Bool("testnet", false, "use the venue sandbox when one exists")
	debug := flag.Bool("debug", false, "log transport activity to stderr")
	flag.Parse()

	if err := run(*exchange, *symbol, *endpoint, *interval, *testnet, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "marketws-watch: %v\n", err)
		os.Exit(1)
	}
}

func run(exchange, symbol, endpoint, interval string, testnet, debug bool) error {
	stream := marketws.StreamConfig{
		Endpoint: marketws.Endpoint(endpoint),
		Symbol:   symbol,
		Interval: "",
	}
	if stream.Endpoint == marketws.EndpointKline {
		stream.Interval = marketws.Interval(interval)
	}
	opts := []marketws.Option{marketws.WithResultMaxLen(10)}
	if testnet {
		opts = append(opts, marketws.WithTestMode())
	}
	if debug {
		opts = append(opts, marketws.WithDebug())
	}

	client, err := marketws.New(exchange, []marketws.StreamConfig{stream}, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Stop(shutdownGrace) }()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	var lastPrinted time.Time
	for {
		select {
		case <-ctx.Done():
			counters, err := json.Marshal(client.StreamMetrics())
			if err == nil {
				fmt.Fprintf(os.Stderr, "stream counters: %s\n", counters)
			}
			return nil
		case <-ticker.C:
			record, err := client.GetCurrentData(stream.Endpoint, stream.Symbol, stream.Interval)
			if err != nil {
				return err
			}
			if record == nil || !record.Received.After(lastPrinted) {
				continue
			}
			lastPrinted = record.Received
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
		}
	}
}
