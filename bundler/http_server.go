package bundler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/executor"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type SendUserOpRequest struct {
	UserOp *userop.UserOperation `json:"userOp" validate:"required"`
}

type SendUserOpResponse struct {
	UserOpHash common.Hash        `json:"userOpHash"`
	Status     mempool.AddOutcome `json:"status"`
}

type BundleNowResponse struct {
	TransactionHash common.Hash `json:"transactionHash"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

// BundleView is a tracked bundle transaction as shown by /debug/dump.
type BundleView struct {
	ID                        string         `json:"id"`
	TransactionHash           common.Hash    `json:"transactionHash"`
	PreviousTransactionHashes []common.Hash  `json:"previousTransactionHashes,omitempty"`
	Executor                  common.Address `json:"executor"`
	Nonce                     uint64         `json:"nonce"`
	MaxFeePerGas              *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas      *hexutil.Big   `json:"maxPriorityFeePerGas"`
	UserOpHashes              []common.Hash  `json:"userOpHashes"`
	FirstSubmitted            time.Time      `json:"firstSubmitted"`
	LastReplaced              time.Time      `json:"lastReplaced"`
}

type DumpResponse struct {
	Outstanding []*mempool.UserOpInfo `json:"outstanding"`
	Bundles     []BundleView          `json:"bundles"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func (b *Bundler) newHttpServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Logger())

	// Register Sentry before Recover so panics are reported
	if b.sentryEnabled {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	e.Use(middleware.Recover())

	e.GET("/health", b.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.POST("/userops", b.sendUserOp)
	v1.GET("/userops/:hash/status", b.userOpStatus)
	v1.GET("/userops/:hash/queued", b.queuedUserOps)
	v1.GET("/userops/:hash/receipt", b.userOpReceipt)

	debug := e.Group("/debug")
	debug.POST("/bundle-now", b.bundleNow)
	debug.GET("/dump", b.dump)
	debug.POST("/clear", b.clearMempool)
	debug.DELETE("/userops/:hash", b.removeUserOp)

	return e
}

func (b *Bundler) startHttpServer(ctx context.Context) {
	b.http = b.newHttpServer()

	addr := b.config.HttpBindAddress
	b.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := b.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

func (b *Bundler) health(c echo.Context) error {
	if b.Status() == runningStatus {
		return c.String(http.StatusOK, "up")
	}

	return c.String(http.StatusServiceUnavailable, "pending...")
}

func (b *Bundler) sendUserOp(c echo.Context) error {
	var req SendUserOpRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	hash, outcome, err := b.mempool.Add(c.Request().Context(), req.UserOp)
	if err != nil {
		var rejectErr *mempool.RejectError
		if errors.As(err, &rejectErr) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: rejectErr.Reason})
		}

		b.logger.Error("cannot add user op", "user_op_hash", hash.Hex(), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: InternalError})
	}

	return c.JSON(http.StatusOK, SendUserOpResponse{UserOpHash: hash, Status: outcome})
}

func parseHash(c echo.Context) (common.Hash, bool) {
	raw, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func (b *Bundler) userOpStatus(c echo.Context) error {
	hash, ok := parseHash(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user operation hash"})
	}

	return c.JSON(http.StatusOK, b.mempool.Status(hash))
}

func (b *Bundler) queuedUserOps(c echo.Context) error {
	hash, ok := parseHash(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user operation hash"})
	}

	queued, err := b.mempool.QueuedAhead(hash)
	if err != nil {
		b.logger.Error("cannot read queued user ops", "user_op_hash", hash.Hex(), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: InternalError})
	}

	return c.JSON(http.StatusOK, lo.Map(queued, func(info *mempool.UserOpInfo, _ int) common.Hash {
		return info.UserOpHash
	}))
}

func (b *Bundler) bundleNow(c echo.Context) error {
	txHash, err := b.scheduler.BundleNow(c.Request().Context())
	if errors.Is(err, executor.ErrNothingToBundle) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, BundleNowResponse{TransactionHash: txHash})
}

func (b *Bundler) userOpReceipt(c echo.Context) error {
	hash, ok := parseHash(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user operation hash"})
	}

	receipt := b.mempool.Receipt(hash)
	if receipt == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "receipt not found"})
	}
	return c.JSON(http.StatusOK, receipt)
}

func (b *Bundler) dump(c echo.Context) error {
	outstanding, err := b.mempool.Dump()
	if err != nil {
		b.logger.Error("cannot dump outstanding user ops", "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: InternalError})
	}

	return c.JSON(http.StatusOK, DumpResponse{
		Outstanding: lo.Ternary(outstanding == nil, []*mempool.UserOpInfo{}, outstanding),
		Bundles:     lo.Map(b.lifecycle.Records(), func(r *executor.TransactionRecord, _ int) BundleView { return bundleView(r) }),
	})
}

func bundleView(r *executor.TransactionRecord) BundleView {
	return BundleView{
		ID:                        r.ID.String(),
		TransactionHash:           r.TransactionHash,
		PreviousTransactionHashes: r.PreviousTransactionHashes,
		Executor:                  r.Executor.Address,
		Nonce:                     r.Nonce,
		MaxFeePerGas:              (*hexutil.Big)(r.Fees.MaxFeePerGas),
		MaxPriorityFeePerGas:      (*hexutil.Big)(r.Fees.MaxPriorityFeePerGas),
		UserOpHashes:              r.UserOpHashes(),
		FirstSubmitted:            r.FirstSubmitted,
		LastReplaced:              r.LastReplaced,
	}
}

func (b *Bundler) clearMempool(c echo.Context) error {
	n, err := b.mempool.Clear()
	if err != nil {
		b.logger.Error("cannot clear mempool", "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: InternalError})
	}
	return c.JSON(http.StatusOK, ClearResponse{Removed: n})
}

func (b *Bundler) removeUserOp(c echo.Context) error {
	hash, ok := parseHash(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid user operation hash"})
	}

	removed, err := b.mempool.Remove(hash)
	if err != nil {
		b.logger.Error("cannot remove user op", "user_op_hash", hash.Hex(), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: InternalError})
	}
	if len(removed) == 0 {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "user operation is not outstanding"})
	}
	return c.JSON(http.StatusOK, ClearResponse{Removed: len(removed)})
}
