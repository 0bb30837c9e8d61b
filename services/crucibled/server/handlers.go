package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/services/crucibled/middleware"
)

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type repayRequest struct {
	Account  string `json:"account"`
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
}

type openRequest struct {
	Account    string `json:"account"`
	Collateral string `json:"collateral"`
	Leverage   uint64 `json:"leverage"`
	Borrow     string `json:"borrow,omitempty"`
}

type closeRequest struct {
	Account        string `json:"account"`
	MaxSlippageBps uint64 `json:"max_slippage_bps"`
}

type accountRequest struct {
	Account string `json:"account"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type priceRequest struct {
	Feed  string `json:"feed"`
	Price uint64 `json:"price"`
}

// caller resolves the account a request acts for. Authenticated requests act
// for the token subject and may not name another account.
func caller(r *http.Request, claimed string) (string, error) {
	claimed = middleware.NormalizeAccount(claimed)
	if subject, ok := middleware.Subject(r.Context()); ok {
		if claimed != "" && claimed != subject {
			return "", fmt.Errorf("%w: account %q does not match token subject", nativecommon.ErrUnauthorized, claimed)
		}
		return subject, nil
	}
	if claimed == "" {
		return "", fmt.Errorf("%w: account required", errBadRequest)
	}
	return claimed, nil
}

// decodeAmount decodes an amountRequest and resolves its caller.
func decodeAmount(r *http.Request) (string, *uint256.Int, error) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", nil, err
	}
	account, err := caller(r, req.Account)
	if err != nil {
		return "", nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return "", nil, err
	}
	return account, amount, nil
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.protocol.Vault()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := newVaultView(v)
	if rate, err := s.protocol.ExchangeRate(); err != nil {
		view.ExchangeRateErr = err.Error()
	} else {
		view.ExchangeRate = rate.Dec()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.Mint(ctx, account, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMintView(res))
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	account, shares, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.Burn(ctx, account, shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBurnView(res))
}

func (s *Server) handleDepositFees(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.DepositFees(ctx, account, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeeView(res))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.protocol.Market()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rates, err := s.protocol.Rates()
	if err != nil {
		s.logger.Warn("market rates unavailable", "error", err)
		rates = nil
	}
	writeJSON(w, http.StatusOK, newMarketView(m, rates))
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipts, err := s.protocol.Supply(ctx, account, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"receipts": receipts.Dec()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, receipts, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	amount, err := s.protocol.Withdraw(ctx, account, receipts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.Dec()})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	account, amount, err := decodeAmount(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.protocol.Borrow(ctx, account, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	owed, err := s.protocol.TotalOwed(account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"borrowed": amount.Dec(), "owed": owed.Dec()})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := caller(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	borrower := middleware.NormalizeAccount(req.Borrower)
	if borrower == "" {
		borrower = payer
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.Repay(ctx, payer, borrower, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRepayView(res))
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := caller(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var borrow *uint256.Int
	if strings.TrimSpace(req.Borrow) != "" {
		if borrow, err = parseAmount("borrow", req.Borrow); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	pos, err := s.protocol.OpenPosition(ctx, owner, collateral, req.Leverage, borrow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := caller(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.ClosePosition(ctx, account, id, req.MaxSlippageBps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCloseView(res))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req accountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	liquidator, err := caller(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.protocol.Liquidate(ctx, liquidator, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(res))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.protocol.Position(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	health, err := s.protocol.Health(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHealthView(health))
}

func (s *Server) handleAccountPositions(w http.ResponseWriter, r *http.Request) {
	owner := middleware.NormalizeAccount(chi.URLParam(r, "account"))
	positions, err := s.protocol.PositionsByOwner(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, newPositionView(pos))
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": owner, "positions": views})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	account := middleware.NormalizeAccount(chi.URLParam(r, "account"))
	asset := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "asset")))
	balance := s.protocol.BalanceOf(asset, account)
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"asset":   asset,
		"balance": balance.Dec(),
	})
}

func (s *Server) handleGetPauses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.protocol.Pauses().Paused()})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.protocol.SetModulePaused(req.Module, req.Paused); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("module pause set via api", "module", req.Module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.protocol.Pauses().Paused()})
}

func (s *Server) handleVaultPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.protocol.SetVaultPaused(ctx, req.Paused); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetVault(w, r)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if _, err := s.protocol.Accrue(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetMarket(w, r)
}

func (s *Server) handleProposeMarketPause(w http.ResponseWriter, r *http.Request) {
	s.marketAdmin(w, r, s.protocol.ProposeMarketPause)
}

func (s *Server) handleExecuteMarketPause(w http.ResponseWriter, r *http.Request) {
	s.marketAdmin(w, r, s.protocol.ExecuteMarketPause)
}

func (s *Server) handleUnpauseMarket(w http.ResponseWriter, r *http.Request) {
	s.marketAdmin(w, r, s.protocol.UnpauseMarket)
}

func (s *Server) marketAdmin(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := op(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetMarket(w, r)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		s.writeError(w, r, fmt.Errorf("%w: oracle prices are not operator-managed", errBadRequest))
		return
	}
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	feed := strings.TrimSpace(req.Feed)
	if feed == "" {
		s.writeError(w, r, fmt.Errorf("%w: feed required", errBadRequest))
		return
	}
	s.prices.Set(feed, req.Price)
	s.logger.Info("oracle price set", "feed", feed, "price", req.Price)
	writeJSON(w, http.StatusOK, priceRequest{Feed: feed, Price: req.Price})
}
