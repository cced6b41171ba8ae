// Command fenrirctl is a CLI client for manual order entry against a
// running fenrird instance, adapted from the teacher's cmd/client.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"

	"fenrir/internal/common"
	fenrirnet "fenrir/internal/net"
)

const maxRecvSize = 4 * 1024

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9090", "address of the exchange server")
	clientID := flag.String("client-id", "", "client id (required)")
	action := flag.String("action", "place", "action to perform: place, cancel")

	instrument := flag.String("instrument", "AAPL", "instrument symbol")
	sideStr := flag.String("side", "buy", "order side: buy or sell")
	typeStr := flag.String("type", "limit", "order type: limit or market")
	price := flag.String("price", "", "limit price (required for limit orders)")
	qty := flag.String("qty", "10", "quantity")
	idempotencyKey := flag.String("idempotency-key", "", "optional idempotency key")

	orderID := flag.String("order-id", "", "order id to cancel (required for cancel)")

	flag.Parse()

	if *clientID == "" {
		fmt.Println("error: -client-id is required")
		flag.Usage()
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s as %q\n", *serverAddr, *clientID)

	go readReports(conn)

	side := common.Buy
	if strings.EqualFold(*sideStr, "sell") {
		side = common.Sell
	}
	orderType := common.Limit
	if strings.EqualFold(*typeStr, "market") {
		orderType = common.Market
	}

	switch strings.ToLower(*action) {
	case "place":
		if orderType == common.Limit && *price == "" {
			log.Fatal("error: -price is required for limit orders")
		}
		priceArg := *price
		if orderType == common.Market {
			priceArg = ""
		}
		buf := fenrirnet.EncodeNewOrder(side, orderType, *instrument, priceArg, *qty, *clientID, *idempotencyKey)
		if _, err := conn.Write(buf); err != nil {
			log.Fatalf("failed to send order: %v", err)
		}
		fmt.Printf("-> sent %s %s order: %s %s @ %s\n", strings.ToUpper(*sideStr), strings.ToUpper(*typeStr), *qty, *instrument, priceArg)

	case "cancel":
		if *orderID == "" {
			log.Fatal("error: -order-id is required for cancel")
		}
		id, err := uuid.Parse(*orderID)
		if err != nil {
			log.Fatalf("invalid -order-id: %v", err)
		}
		buf := fenrirnet.EncodeCancelOrder(*instrument, id)
		if _, err := conn.Write(buf); err != nil {
			log.Fatalf("failed to send cancel: %v", err)
		}
		fmt.Printf("-> sent cancel for order %s\n", *orderID)

	default:
		log.Fatalf("unknown action: %s", *action)
	}

	fmt.Println("\nlistening for reports... (ctrl-C to exit)")
	select {}
}

// readReports continuously reads and prints report frames from the
// server, relying (like the server's own reader) on one write producing
// one readable frame per connection Read call.
func readReports(conn net.Conn) {
	buf := make([]byte, maxRecvSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("connection lost: %v", err)
			}
			os.Exit(0)
		}

		frame := buf[:n]
		reportType, err := fenrirnet.PeekReportType(frame)
		if err != nil {
			log.Printf("malformed report: %v", err)
			continue
		}

		if reportType == fenrirnet.ErrorReport {
			errStr, err := fenrirnet.ParseErrorReport(frame)
			if err != nil {
				log.Printf("malformed error report: %v", err)
				continue
			}
			fmt.Printf("\n[SERVER ERROR] %s\n", errStr)
			continue
		}

		order, trades, err := fenrirnet.ParseOrderReport(frame)
		if err != nil {
			log.Printf("malformed order report: %v", err)
			continue
		}
		fmt.Printf("\n[ORDER] id=%s status=%s remaining=%s\n", order.ID, order.Status, order.Remaining)
		for _, t := range trades {
			fmt.Printf("  [TRADE] id=%s price=%s qty=%s\n", t.ID, t.Price, t.Quantity)
		}
	}
}
