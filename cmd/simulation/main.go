package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/groupbuy-api/internal/auth"
	"github.com/ksred/groupbuy-api/internal/database"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/lock"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/refund"
	"github.com/ksred/groupbuy-api/internal/settlement"
	"github.com/ksred/groupbuy-api/internal/trade"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minTeams      = 5
	maxTeams      = 25
	joinersPerTeam = 8 // more joiners than slots so some lose the race
	targetCount   = 3
	serverAddress = "http://localhost:8080"
)

var goodsNames = []string{"Thermos", "Blender", "Kettle", "Toaster", "Grinder"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the group-buy API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"join":     {name: "Join Team"},
			"progress": {name: "Team Progress"},
			"callback": {name: "Payment Callback"},
			"refund":   {name: "Refund"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// joinResult is what the join endpoint hands back on success.
type joinResult struct {
	TradeOrderID string
	OutTradeNo   string
	OrderID      string
	TeamID       string
	PayPrice     string
}

// join submits one join/lock request. TeamID empty opens a new team.
func (sc *simulationClient) join(userID, teamID, goodsID, goodsName string) (*joinResult, int, error) {
	start := time.Now()
	defer func() {
		sc.stats["join"].addDuration(time.Since(start))
	}()

	outTradeNo := uuid.New().String()
	payload := map[string]interface{}{
		"user_id":        userID,
		"activity_id":    "ACT-SIM",
		"goods_id":       goodsID,
		"goods_name":     goodsName,
		"team_id":        teamID,
		"out_trade_no":   outTradeNo,
		"original_price": "99.00",
		"source":         "app",
		"channel":        "wallet",
		"target_count":   targetCount,
		"group_type":     "REAL",
		"valid_minutes":  60,
		"take_limit":     0,
		"discount":       map[string]string{"type": "PERCENTAGE", "value": "20"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/teams/join", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Join response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["join"].addFailure()
		return nil, resp.StatusCode, fmt.Errorf("join failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			TradeOrder struct {
				TradeOrderID string `json:"trade_order_id"`
				OutTradeNo   string `json:"out_trade_no"`
				PayPrice     string `json:"pay_price"`
			} `json:"trade_order"`
			Order struct {
				OrderID string `json:"order_id"`
				TeamID  string `json:"team_id"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.TradeOrder.TradeOrderID == "" {
		return nil, resp.StatusCode, fmt.Errorf("no trade order ID in response: %s", string(respBody))
	}

	return &joinResult{
		TradeOrderID: result.Data.TradeOrder.TradeOrderID,
		OutTradeNo:   result.Data.TradeOrder.OutTradeNo,
		OrderID:      result.Data.Order.OrderID,
		TeamID:       result.Data.Order.TeamID,
		PayPrice:     result.Data.TradeOrder.PayPrice,
	}, resp.StatusCode, nil
}

// pay simulates the gateway's success callback for a trade order
func (sc *simulationClient) pay(outTradeNo, amount string) error {
	start := time.Now()
	defer func() {
		sc.stats["callback"].addDuration(time.Since(start))
	}()

	payload := map[string]string{
		"out_trade_no": outTradeNo,
		"status":       "SUCCESS",
		"amount":       amount,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/payments/callback", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["callback"].addFailure()
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("callback failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// teamProgress fetches a team's fill state
func (sc *simulationClient) teamProgress(teamID string) (status string, completeCount int, err error) {
	start := time.Now()
	defer func() {
		sc.stats["progress"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/teams/%s/progress", sc.baseURL, teamID),
		nil,
	)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["progress"].addFailure()
		return "", 0, fmt.Errorf("progress failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			Status        string `json:"status"`
			CompleteCount int    `json:"complete_count"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", 0, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return result.Data.Status, result.Data.CompleteCount, nil
}

// requestRefund asks for a refund of one trade order
func (sc *simulationClient) requestRefund(tradeOrderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["refund"].addDuration(time.Since(start))
	}()

	body, _ := json.Marshal(map[string]string{"reason": "simulation refund"})
	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/trade-orders/%s/refund", sc.baseURL, tradeOrderID),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["refund"].addFailure()
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("refund failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the group-buy simulation: many concurrent joiners racing for
// limited team slots, payments via gateway callback, and the resulting
// settlements and refunds.
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	numTeams := rand.Intn(maxTeams-minTeams) + minTeams
	log.Info().Int("teams", numTeams).Msg("Starting simulation")

	stats := struct {
		Teams          int
		SlotsReserved  int
		RaceLosers     int
		Payments       int
		FailedPayments int
		Refunds        int
		Completed      int
		StartTime      time.Time
		Goods          map[string]int
	}{
		Teams:     numTeams,
		StartTime: time.Now(),
		Goods:     make(map[string]int),
	}
	var statsMu sync.Mutex

	var teamIDs []string
	for t := 0; t < numTeams; t++ {
		goodsID := fmt.Sprintf("GOODS-%d", t%len(goodsNames))
		goodsName := goodsNames[t%len(goodsNames)]

		// Leader opens the team
		leader, _, err := simClient.join(fmt.Sprintf("leader-%d", t), "", goodsID, goodsName)
		if err != nil {
			log.Error().Err(err).Int("team", t).Msg("Failed to open team")
			continue
		}
		teamIDs = append(teamIDs, leader.TeamID)
		statsMu.Lock()
		stats.SlotsReserved++
		stats.Goods[goodsName]++
		statsMu.Unlock()

		// Concurrent joiners race for the remaining slots
		var wg sync.WaitGroup
		members := make(chan *joinResult, joinersPerTeam)
		for i := 0; i < joinersPerTeam; i++ {
			wg.Add(1)
			go func(userIdx int) {
				defer wg.Done()
				result, status, err := simClient.join(
					fmt.Sprintf("user-%d-%d", t, userIdx), leader.TeamID, goodsID, goodsName)
				if err != nil {
					statsMu.Lock()
					if status == http.StatusConflict {
						stats.RaceLosers++
					}
					statsMu.Unlock()
					log.Debug().Err(err).Msg("Join rejected")
					return
				}
				statsMu.Lock()
				stats.SlotsReserved++
				statsMu.Unlock()
				members <- result
			}(i)
		}
		wg.Wait()
		close(members)

		// Everyone who got a slot pays; the leader abandons on every fifth
		// team to exercise the unpaid timeout path.
		payers := []*joinResult{}
		if t%5 != 0 {
			payers = append(payers, leader)
		}
		for member := range members {
			payers = append(payers, member)
		}

		for _, payer := range payers {
			if err := simClient.pay(payer.OutTradeNo, payer.PayPrice); err != nil {
				statsMu.Lock()
				stats.FailedPayments++
				statsMu.Unlock()
				log.Error().Err(err).Str("out_trade_no", payer.OutTradeNo).Msg("Payment callback failed")
				continue
			}
			statsMu.Lock()
			stats.Payments++
			statsMu.Unlock()
		}

		// One paid member of every seventh team changes their mind
		if t%7 == 0 && len(payers) > 0 {
			if err := simClient.requestRefund(payers[len(payers)-1].TradeOrderID); err != nil {
				log.Error().Err(err).Msg("Refund request failed")
			} else {
				statsMu.Lock()
				stats.Refunds++
				statsMu.Unlock()
			}
		}
	}

	// Give the asynchronous settlement a moment, then survey the teams
	time.Sleep(time.Second)
	for _, teamID := range teamIDs {
		status, completeCount, err := simClient.teamProgress(teamID)
		if err != nil {
			log.Error().Err(err).Str("team_id", teamID).Msg("Failed to fetch progress")
			continue
		}
		if status == "SUCCESS" {
			stats.Completed++
		}
		log.Info().
			Str("team_id", teamID).
			Str("status", status).
			Int("complete_count", completeCount).
			Msg("Team surveyed")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println(" GROUP-BUY SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
 Team Statistics
------------------
Teams Opened:     %d
Teams Completed:  %d
Slots Reserved:   %d
Race Losers:      %d
Payments:         %d
Failed Payments:  %d
Refund Requests:  %d
Duration:         %v

 Goods Distribution
--------------------
`, stats.Teams, stats.Completed, stats.SlotsReserved, stats.RaceLosers,
		stats.Payments, stats.FailedPayments, stats.Refunds,
		duration.Round(time.Millisecond))

	// Print goods distribution with simple ASCII bar chart
	maxGoodsCount := 0
	for _, count := range stats.Goods {
		if count > maxGoodsCount {
			maxGoodsCount = count
		}
	}
	for goods, count := range stats.Goods {
		barLength := int(float64(count) / float64(maxGoodsCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-8s: %s (%d)\n", goods, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	completionRate := float64(stats.Completed) / float64(stats.Teams) * 100
	log.Info().
		Float64("completion_rate", completionRate).
		Int("teams", stats.Teams).
		Int("completed", stats.Completed).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// startServer initializes and starts the group-buy API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	bus := events.NewBus()
	locker := lock.NewMemoryLocker()
	transport := delay.NewMemoryTransport()
	payGW := gateway.NewReliablePaymentGateway()
	inventory := gateway.NewMemoryInventory()
	for i := 0; i < len(goodsNames); i++ {
		inventory.SetStock(fmt.Sprintf("GOODS-%d", i), 10000)
	}

	// Initialize services
	authService := auth.NewService("groupbuy-secret-key")
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	orderService := order.NewService(db)
	tradeService := trade.NewService(db, bus, transport,
		gateway.StandardDiscountCalculator{}, gateway.NewStaticCrowdTag(), inventory)
	settlementService := settlement.NewService(db, bus, locker, inventory, nil)
	refundService := refund.NewService(db, bus, locker, transport, payGW, inventory)
	settlementService.SetReleaser(refundService)
	settlementService.RegisterSubscribers(bus)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	orderHandlers := order.NewGinHandlers(orderService)
	tradeHandlers := trade.NewGinHandlers(tradeService)
	settlementHandlers := settlement.NewGinHandlers(settlementService)
	refundHandlers := refund.NewGinHandlers(refundService)

	// Setup routes (no auth middleware on the simulation server)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
		v1.POST("/teams/join", tradeHandlers.LockOrderHandler())
		v1.GET("/teams/:team_id/progress", orderHandlers.GetTeamProgressHandler())
		v1.GET("/trade-orders/:trade_order_id", tradeHandlers.GetTradeOrderHandler())
		v1.POST("/trade-orders/:trade_order_id/refund", refundHandlers.RefundTradeOrderHandler())
		v1.POST("/payments/callback", settlementHandlers.PaymentCallbackHandler())
		v1.POST("/internal/settlement/:order_id", settlementHandlers.SettleOrderHandler())
	}

	// Start the server
	return router.Run(":8080")
}
