package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "product id")
	stock := flag.Int64("stock", 100, "initial on-hand quantity")
	perOrder := flag.Int64("qty", 3, "quantity per order")

	// 超占测试参数：订单数 × 每单量 远超库存，验证占用总量不越界
	nOrders := flag.Int("orders", 100, "orders racing to confirm")
	concurrency := flag.Int("c", 50, "max concurrency")
	retries := flag.Int("retries", 20, "duplicate retries with one idempotency key")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	// 先登记库存行，批次号要跟订单行对齐，否则确认时找不到库存行
	batchNo := fmt.Sprintf("LT%d", time.Now().Unix())
	if err := doPOST(client, *baseURL+"/api/stocks", map[string]any{
		"product_id": *productID,
		"batch_no":   batchNo,
		"quantity":   *stock,
		"actor_id":   1,
	}); err != nil {
		panic(fmt.Sprintf("create stock failed: %v", err))
	}
	fmt.Println("stock created, batch", batchNo)

	orderIDs := make([]uint64, 0, *nOrders)
	for i := 0; i < *nOrders; i++ {
		id, err := createOrder(client, *baseURL, *productID, batchNo, *perOrder)
		if err != nil {
			panic(fmt.Sprintf("create order %d failed: %v", i, err))
		}
		orderIDs = append(orderIDs, id)
	}
	fmt.Printf("created %d draft orders, each needs %d of stock %d\n", len(orderIDs), *perOrder, *stock)

	// 1) 不超占测试：并发确认，总需求 >> 库存
	fmt.Printf("start no-oversell test: orders=%d qty=%d stock=%d concurrency=%d\n",
		*nOrders, *perOrder, *stock, *concurrency)
	results := runConfirm(client, *baseURL, orderIDs, *concurrency)
	printSummary("no_oversell", results)

	ok := int64(0)
	for _, r := range results {
		if r.Status == http.StatusOK {
			ok++
		}
	}
	reserved := ok * (*perOrder)
	fmt.Printf("confirmed=%d, total reserved=%d, on-hand=%d -> %s\n",
		ok, reserved, *stock, verdict(reserved <= *stock))

	// 2) 幂等重试测试：同一张单、同一个幂等键并发重放
	fmt.Printf("\nstart duplicate-retry test: 1 order, %d concurrent retries, one key\n", *retries)
	victim, err := createOrder(client, *baseURL, *productID, batchNo, 1)
	if err != nil {
		panic(fmt.Sprintf("create victim order: %v", err))
	}
	results2 := runDuplicateConfirm(client, *baseURL, victim, *retries)
	printSummary("duplicate_retry", results2)
}

func verdict(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func createOrder(client *http.Client, baseURL string, productID int, batchNo string, qty int64) (uint64, error) {
	body := map[string]any{
		"customer_id": 42,
		"actor_id":    1,
		"items": []map[string]any{
			{"product_id": productID, "batch_no": batchNo, "quantity": qty, "unit_price": 8800},
		},
	}
	b, _ := json.Marshal(body)
	resp, err := client.Post(baseURL+"/api/orders", "application/json", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Data struct {
			Order struct {
				OrderID uint64 `json:"order_id"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out.Data.Order.OrderID, nil
}

func runConfirm(client *http.Client, baseURL string, orderIDs []uint64, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(orderIDs))

	for i, id := range orderIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, orderID uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			key := fmt.Sprintf("lt-confirm-%d", orderID)
			results[idx] = transitionOnce(client, baseURL, orderID, key)
		}(i, id)
	}

	wg.Wait()
	return results
}

func runDuplicateConfirm(client *http.Client, baseURL string, orderID uint64, total int) []Result {
	sem := make(chan struct{}, total)
	var wg sync.WaitGroup
	results := make([]Result, total)
	key := fmt.Sprintf("lt-dup-%d", orderID)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = transitionOnce(client, baseURL, orderID, key)
		}(i)
	}

	wg.Wait()
	return results
}

func transitionOnce(client *http.Client, baseURL string, orderID uint64, idemKey string) Result {
	body := map[string]any{
		"idempotency_key": idemKey,
		"target_status":   "confirmed",
		"actor_id":        1,
	}
	b, _ := json.Marshal(body)
	resp, err := client.Post(
		fmt.Sprintf("%s/api/orders/%d/transitions", baseURL, orderID),
		"application/json", bytes.NewReader(b))
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(raw)}
}

func doPOST(client *http.Client, url string, body map[string]any) error {
	b, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

func printSummary(name string, results []Result) {
	counts := map[int]int{}
	errs := 0
	for _, r := range results {
		if r.Err != nil {
			errs++
			continue
		}
		counts[r.Status]++
	}
	fmt.Printf("[%s] total=%d", name, len(results))
	for status, n := range counts {
		fmt.Printf(" %d=%d", status, n)
	}
	if errs > 0 {
		fmt.Printf(" transport_err=%d", errs)
	}
	fmt.Println()
}
