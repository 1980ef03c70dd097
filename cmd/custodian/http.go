package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gopherex.com/internal/adapter"
	"gopherex.com/internal/dispatcher"
	"gopherex.com/internal/scheduler"
	"gopherex.com/pkg/xerr"
)

// rpcRequest is the JSON-over-HTTP envelope of spec §6: one method name plus
// its positional/keyword params, carried as a single POST body.
type rpcRequest struct {
	Method string          `json:"method"`
	Coin   string          `json:"coin"`
	UserID string          `json:"userId"`
	Amount *string         `json:"amount"`
	Tag    *int64          `json:"tag"`
	Address string         `json:"address"`
	Skip   int             `json:"skip"`
}

type rpcResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// newHTTPServer builds the gin-gonic router, grounded on the teacher's
// internal/api-geteway/http.NewRouter (gin.New + cors + one route group) but
// trimmed to the transport this spec actually needs: one POST endpoint
// routed by method name, since §6's API surface has no resource hierarchy
// to hang REST verbs off.
func newHTTPServer(addr string, disp *dispatcher.Dispatcher, engines []scheduler.CoinEngine) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), cors.Default())
	r.POST("/api/custodian/call", handleCall(disp))
	r.GET("/api/custodian/admin/latches", handleLatches(engines))
	r.POST("/api/custodian/admin/latches/:coin/clear", handleClearLatch(engines))

	return &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

func handleCall(disp *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rpcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, rpcResponse{Error: &rpcError{Kind: "input_validation", Message: err.Error()}})
			return
		}

		ctx := c.Request.Context()
		var result interface{}
		var err error

		switch req.Method {
		case "getProxyInfo":
			result, err = disp.GetProxyInfo(ctx, req.Coin)
		case "getStats":
			result, err = disp.GetStats(ctx, req.Coin, req.UserID)
		case "getAllCoinStats":
			result, err = disp.GetAllCoinStats(ctx, req.UserID)
		case "setDeposit":
			result, err = disp.SetDeposit(ctx, req.Coin, req.UserID, req.Amount)
		case "getDeposit":
			result, err = disp.GetDeposit(ctx, req.Coin, req.UserID)
		case "deleteDeposit":
			result, err = disp.DeleteDeposit(ctx, req.Coin, req.UserID)
		case "setPending":
			amt := ""
			if req.Amount != nil {
				amt = *req.Amount
			}
			result, err = disp.SetPending(ctx, req.Coin, req.UserID, req.Address, amt, req.Tag)
		case "getPending":
			result, err = disp.GetPending(ctx, req.Coin, req.UserID)
		case "listDeposits":
			result, err = disp.ListDeposits(ctx, req.Coin, req.UserID, req.Skip)
		case "listWithdrawals":
			result, err = disp.ListWithdrawals(ctx, req.Coin, req.UserID, req.Skip)
		case "listProcessedDeposits":
			result, err = disp.ListProcessedDeposits(ctx, req.Coin, req.UserID)
		case "listProcessedWithdrawals":
			result, err = disp.ListProcessedWithdrawals(ctx, req.Coin, req.UserID)
		case "listRejectedWithdrawals":
			result, err = disp.ListRejectedWithdrawals(ctx, req.Coin, req.UserID)
		default:
			c.JSON(http.StatusBadRequest, rpcResponse{Error: &rpcError{Kind: "input_validation", Message: "unknown method " + req.Method}})
			return
		}

		if err != nil {
			c.JSON(statusFor(err), rpcResponse{Error: &rpcError{Kind: xerr.KindOf(err).String(), Message: err.Error()}})
			return
		}
		c.JSON(http.StatusOK, rpcResponse{Result: result})
	}
}

// latchStatus is one row of the admin inspection endpoint — exported shape
// so cmd/custodian-admin can decode it directly.
type latchStatus struct {
	Coin   string `json:"coin"`
	Latched bool  `json:"latched"`
	Error  string `json:"error,omitempty"`
}

func handleLatches(engines []scheduler.CoinEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make([]latchStatus, 0, len(engines))
		for _, e := range engines {
			status := latchStatus{Coin: e.Coin}
			if err := e.Adapter.Latch().Err(); err != nil {
				status.Latched = true
				status.Error = err.Error()
			}
			out = append(out, status)
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleClearLatch(engines []scheduler.CoinEngine) gin.HandlerFunc {
	return func(c *gin.Context) {
		coin := c.Param("coin")
		var found *adapter.Adapter
		for _, e := range engines {
			if e.Coin == coin {
				found = &e.Adapter
				break
			}
		}
		if found == nil {
			c.JSON(http.StatusNotFound, rpcResponse{Error: &rpcError{Kind: "input_validation", Message: "unknown coin " + coin}})
			return
		}
		(*found).Latch().Clear()
		c.JSON(http.StatusOK, gin.H{"cleared": coin})
	}
}

func statusFor(err error) int {
	switch xerr.KindOf(err) {
	case xerr.InputValidation:
		return http.StatusBadRequest
	case xerr.StateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
