// Command swapctl submits a swap to a running swapd and follows its
// status updates until the order is confirmed or failed.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/swapd/pkg/api"
	"github.com/uhyunpark/swapd/pkg/order"
)

func main() {
	var (
		server  = flag.String("server", envOr("SWAPD_URL", "http://localhost:8080"), "swapd base URL")
		side    = flag.String("side", "BUY", "BUY or SELL")
		typ     = flag.String("type", "MARKET", "MARKET, LIMIT or SNIPER")
		in      = flag.String("in", "SOL", "input token")
		out     = flag.String("out", "USDC", "output token")
		amount  = flag.Float64("amount", 1, "input amount (666 triggers the simulated glitch)")
		follow  = flag.String("follow", "", "follow an existing order id instead of submitting")
		timeout = flag.Duration("timeout", 2*time.Minute, "give up following after this long")
	)
	flag.Parse()

	base := strings.TrimRight(*server, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	// Step 1: Health check
	if err := checkHealth(client, base); err != nil {
		fail("server not healthy: %v", err)
	}

	// Step 2: Submit (or pick up an existing order)
	orderID := *follow
	if orderID == "" {
		var err error
		orderID, err = submit(client, base, api.ExecuteOrderRequest{
			Type: *typ, Side: *side, InputToken: *in, OutputToken: *out, Amount: *amount,
		})
		if err != nil {
			fail("submit: %v", err)
		}
		fmt.Printf("Order queued: %s\n", orderID)
	}

	// Step 3: Follow updates until terminal
	final, err := watch(client, base, orderID, *timeout)
	if err != nil {
		fail("follow %s: %v", orderID, err)
	}
	if final.Status != order.StatusConfirmed {
		os.Exit(1)
	}
}

func checkHealth(client *http.Client, base string) error {
	resp, err := client.Get(base + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var h api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		return fmt.Errorf("status %d (%s)", resp.StatusCode, h.Status)
	}
	fmt.Printf("Server healthy, venues: %s\n", strings.Join(h.Venues, ", "))
	return nil
}

func submit(client *http.Client, base string, req api.ExecuteOrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	resp, err := client.Post(base+"/orders/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("%s: %s", e.Error, e.Message)
	}
	var out api.ExecuteOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

func watch(client *http.Client, base, orderID string, timeout time.Duration) (order.Event, error) {
	u, err := url.Parse(base)
	if err != nil {
		return order.Event{}, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/orders/ws"
	u.RawQuery = url.Values{"id": {orderID}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return order.Event{}, err
	}
	defer conn.Close()

	// Updates are not replayed, so an order that settled before we
	// connected is only visible through the REST snapshot.
	if o, err := fetchOrder(client, base, orderID); err == nil && o.Status.Terminal() {
		ev := order.Event{OrderID: o.ID, Status: o.Status, Timestamp: o.UpdatedAt, TxHash: o.TxHash, Price: o.Price}
		if n := len(o.Logs); n > 0 {
			ev.Log = o.Logs[n-1]
		}
		printEvent(ev)
		return ev, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return order.Event{}, err
		}
		ev, err := order.DecodeEvent(msg)
		if err != nil {
			fmt.Printf("  (unreadable update: %v)\n", err)
			continue
		}
		printEvent(ev)
		if ev.Status.Terminal() {
			return ev, nil
		}
	}
}

func fetchOrder(client *http.Client, base, orderID string) (*order.Order, error) {
	resp, err := client.Get(base + "/orders/" + url.PathEscape(orderID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var o order.Order
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

func printEvent(ev order.Event) {
	fmt.Printf("[%s] %-9s %s\n", ev.Timestamp.Local().Format("15:04:05.000"), ev.Status, ev.Log)
	if ev.TxHash != "" {
		fmt.Printf("  tx:    %s\n", ev.TxHash)
	}
	if ev.Price != 0 {
		fmt.Printf("  price: %.4f\n", ev.Price)
	}
	if ev.Link != "" {
		fmt.Printf("  link:  %s\n", ev.Link)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "swapctl: "+format+"\n", args...)
	os.Exit(1)
}
