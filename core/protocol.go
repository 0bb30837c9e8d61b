// Package core hosts the Protocol, which executes vault, lending, leverage and
// liquidation operations one at a time and applies each one atomically.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crucible/core/events"
	"crucible/core/state"
	"crucible/native/common"
	"crucible/native/ledger"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/liquidation"
	"crucible/native/vault"
	"crucible/observability"
	telemetry "crucible/observability/otel"
	"crucible/storage"
)

// Module names accepted by SetModulePaused.
const (
	ModuleVault       = "vault"
	ModuleLending     = "lending"
	ModuleLeverage    = "leverage"
	ModuleLiquidation = "liquidation"
)

var errNilProtocol = errors.New("protocol: not initialised")

// Options carries the parameters of the single vault and market hosted by a
// Protocol.
type Options struct {
	// Authority mints share and receipt units and undoes burns on rollback.
	Authority string
	Vault     vault.Params
	Market    lending.Params
	Leverage  leverage.Params
	BonusBps  uint64
	// AllowMigrate rewrites an older on-disk layout instead of refusing to
	// start.
	AllowMigrate bool
	Logger       *slog.Logger
	// Emitter receives events after their operation commits.
	Emitter events.Emitter
}

type mintAuthorityRegistry interface {
	SetMintAuthority(asset, authority string)
}

// Protocol serialises every operation behind one mutex. Each operation runs
// against buffered state writes, a ledger journal and an event buffer; all
// three are committed together or unwound together.
type Protocol struct {
	stateMu sync.Mutex

	db      storage.Database
	state   *state.Manager
	base    ledger.Ledger
	journal *ledger.Journal
	buffer  *events.Buffer
	emitter events.Emitter
	pauses  *Pauses
	clock   common.Clock

	vault       *vault.Engine
	lending     *lending.Engine
	leverage    *leverage.Manager
	liquidation *liquidation.Engine

	vaultAsset  string
	marketAsset string

	logger *slog.Logger
	tracer trace.Tracer
}

// New wires the engines to db and base and creates the vault and market on
// first start.
func New(db storage.Database, base ledger.Ledger, prices leverage.PriceSource, clock common.Clock, opts Options) (*Protocol, error) {
	if db == nil || base == nil || prices == nil || clock == nil {
		return nil, fmt.Errorf("%w: database, ledger, prices and clock required", common.ErrInvalidConfig)
	}
	opts.Authority = strings.TrimSpace(opts.Authority)
	if opts.Authority == "" {
		return nil, fmt.Errorf("%w: authority required", common.ErrInvalidConfig)
	}
	if err := opts.Vault.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Market.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Leverage.Validate(); err != nil {
		return nil, err
	}
	if err := leverage.CheckThreshold(opts.Leverage.MaxLeverage, opts.Market.LiquidationThresholdBps); err != nil {
		return nil, err
	}
	if opts.Vault.RequireOracle && strings.TrimSpace(opts.Vault.OracleFeed) == "" {
		return nil, fmt.Errorf("%w: oracle required for vault %s", common.ErrOracleOutOfBounds, opts.Vault.Asset)
	}
	if err := checkVaultFeed(opts.Vault.OracleFeed, opts.Leverage.OracleFeed); err != nil {
		return nil, err
	}
	vaultAsset := normalizeAsset(opts.Vault.Asset)
	marketAsset := normalizeAsset(opts.Market.Asset)
	if normalizeAsset(opts.Leverage.CollateralAsset) != vaultAsset {
		return nil, fmt.Errorf("%w: leverage collateral %s is not the vault asset %s", common.ErrInvalidConfig, opts.Leverage.CollateralAsset, vaultAsset)
	}
	if normalizeAsset(opts.Leverage.DebtAsset) != marketAsset {
		return nil, fmt.Errorf("%w: leverage debt asset %s is not the market asset %s", common.ErrInvalidConfig, opts.Leverage.DebtAsset, marketAsset)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}

	if registry, ok := base.(mintAuthorityRegistry); ok {
		registry.SetMintAuthority(opts.Vault.ShareAsset, opts.Authority)
		registry.SetMintAuthority(opts.Market.ReceiptAsset, opts.Authority)
	}

	manager := state.NewManager(db)
	manager.SetDefaultDebtAsset(marketAsset)
	if err := manager.EnsureStateVersion(opts.AllowMigrate); err != nil {
		return nil, err
	}

	p := &Protocol{
		db:          db,
		state:       manager,
		base:        base,
		journal:     ledger.NewJournal(base, opts.Authority),
		buffer:      &events.Buffer{},
		emitter:     emitter,
		pauses:      NewPauses(),
		clock:       clock,
		vaultAsset:  vaultAsset,
		marketAsset: marketAsset,
		logger:      logger.With("component", "protocol"),
		tracer:      telemetry.Tracer(),
	}

	p.vault = vault.NewEngine(opts.Authority)
	p.vault.SetState(manager)
	p.vault.SetLedger(p.journal)
	p.vault.SetEmitter(p.buffer)
	p.vault.SetPauses(p.pauses)

	p.lending = lending.NewEngine(opts.Authority)
	p.lending.SetState(manager)
	p.lending.SetLedger(p.journal)
	p.lending.SetEmitter(p.buffer)
	p.lending.SetPauses(p.pauses)
	p.lending.SetClock(clock)

	lev, err := leverage.NewManager(opts.Leverage)
	if err != nil {
		return nil, err
	}
	lev.SetState(manager)
	lev.SetVault(p.vault)
	lev.SetMarket(p.lending)
	lev.SetPrices(prices)
	lev.SetEmitter(p.buffer)
	lev.SetPauses(p.pauses)
	lev.SetClock(clock)
	p.leverage = lev

	liq, err := liquidation.NewEngine(opts.Leverage.OracleFeed, opts.BonusBps)
	if err != nil {
		return nil, err
	}
	liq.SetState(manager)
	liq.SetVault(p.vault)
	liq.SetMarket(p.lending)
	liq.SetPrices(prices)
	liq.SetEmitter(p.buffer)
	liq.SetPauses(p.pauses)
	liq.SetClock(clock)
	p.liquidation = liq

	err = p.execute(context.Background(), "protocol", "bootstrap", func(context.Context) error {
		return p.bootstrap(opts)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Protocol) bootstrap(opts Options) error {
	existing, err := p.state.GetVault(p.vaultAsset)
	if err != nil {
		return err
	}
	if existing == nil {
		v, err := vault.New(opts.Vault)
		if err != nil {
			return err
		}
		if err := p.state.PutVault(v); err != nil {
			return err
		}
		p.logger.Info("vault created", "asset", v.Asset, "share_asset", v.ShareAsset, "oracle_feed", v.OracleFeed)
	} else if err := checkVaultFeed(existing.OracleFeed, opts.Leverage.OracleFeed); err != nil {
		return err
	}
	market, err := p.state.GetMarket(p.marketAsset)
	if err != nil {
		return err
	}
	if market == nil {
		m, err := lending.NewMarket(opts.Market, p.clock.Now())
		if err != nil {
			return err
		}
		if err := p.state.PutMarket(m); err != nil {
			return err
		}
		p.logger.Info("market created", "asset", m.Asset, "receipt_asset", m.ReceiptAsset)
	}
	return nil
}

// checkVaultFeed requires positions to be priced by the vault's own feed
// when the vault names one.
func checkVaultFeed(vaultFeed, positionFeed string) error {
	vaultFeed = strings.TrimSpace(vaultFeed)
	if vaultFeed == "" || vaultFeed == strings.TrimSpace(positionFeed) {
		return nil
	}
	return fmt.Errorf("%w: positions priced by %q but vault uses %q", common.ErrInvalidConfig, positionFeed, vaultFeed)
}

// VaultAsset returns the base asset of the hosted vault.
func (p *Protocol) VaultAsset() string { return p.vaultAsset }

// MarketAsset returns the base asset of the hosted lending market.
func (p *Protocol) MarketAsset() string { return p.marketAsset }

// Pauses exposes the module pause switches.
func (p *Protocol) Pauses() *Pauses { return p.pauses }

// execute runs fn under the protocol lock and commits or unwinds everything it
// did. fn must not retain the context beyond the call.
func (p *Protocol) execute(ctx context.Context, module, operation string, fn func(context.Context) error) error {
	if p == nil {
		return errNilProtocol
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	ctx, span := p.tracer.Start(ctx, module+"."+operation, trace.WithAttributes(
		attribute.String("crucible.module", module),
		attribute.String("crucible.operation", operation),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		err = p.commit()
	} else {
		p.rollback(module, operation)
	}
	outcome := common.Kind(err)
	observability.Protocol().Observe(module, operation, outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.logger.Warn("operation rejected",
			"module", module,
			"operation", operation,
			"kind", outcome,
			"error", err)
		return err
	}
	p.logger.Debug("operation committed",
		"module", module,
		"operation", operation,
		"duration", time.Since(start))
	return nil
}

// read runs fn under the protocol lock and drops anything it buffered.
func (p *Protocol) read(fn func() error) error {
	if p == nil {
		return errNilProtocol
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	defer p.state.Discard()
	defer p.buffer.Discard()
	return fn()
}

func (p *Protocol) commit() error {
	if err := p.state.Commit(); err != nil {
		p.rollback("protocol", "commit")
		return err
	}
	p.journal.Commit()
	p.buffer.Flush(p.emitter)
	p.recordGauges()
	return nil
}

func (p *Protocol) rollback(module, operation string) {
	if err := p.journal.Revert(); err != nil {
		p.logger.Error("ledger rollback incomplete",
			"module", module,
			"operation", operation,
			"error", err)
	}
	p.state.Discard()
	p.buffer.Discard()
}

func (p *Protocol) recordGauges() {
	metrics := observability.Protocol()
	if rate, err := p.vault.ExchangeRate(p.vaultAsset); err == nil {
		metrics.RecordExchangeRate(p.vaultAsset, rate)
	}
	market, err := p.lending.Market(p.marketAsset)
	if err != nil {
		return
	}
	if utilisation, _, _, err := p.lending.Rates(p.marketAsset); err == nil {
		metrics.RecordMarket(p.marketAsset, utilisation, market.AccumulatedIndex)
	}
}

// BalanceOf reads the committed ledger balance of account.
func (p *Protocol) BalanceOf(asset, account string) *uint256.Int {
	return p.base.BalanceOf(asset, account)
}

// Vault returns the committed vault record.
func (p *Protocol) Vault() (*vault.Vault, error) {
	var out *vault.Vault
	err := p.read(func() error {
		v, err := p.vault.Vault(p.vaultAsset)
		out = v
		return err
	})
	return out, err
}

// ExchangeRate returns the validated share exchange rate.
func (p *Protocol) ExchangeRate() (*uint256.Int, error) {
	var out *uint256.Int
	err := p.read(func() error {
		rate, err := p.vault.ExchangeRate(p.vaultAsset)
		out = rate
		return err
	})
	return out, err
}

// Mint deposits amount for caller and issues vault shares.
func (p *Protocol) Mint(ctx context.Context, caller string, amount *uint256.Int) (*vault.MintResult, error) {
	var out *vault.MintResult
	err := p.execute(ctx, ModuleVault, "mint", func(context.Context) error {
		res, err := p.vault.Mint(p.vaultAsset, caller, amount)
		out = res
		return err
	})
	return out, err
}

// Burn redeems shares held by caller.
func (p *Protocol) Burn(ctx context.Context, caller string, shares *uint256.Int) (*vault.BurnResult, error) {
	var out *vault.BurnResult
	err := p.execute(ctx, ModuleVault, "burn", func(context.Context) error {
		res, err := p.vault.Burn(p.vaultAsset, caller, shares)
		out = res
		return err
	})
	return out, err
}

// DepositFees routes an external profit deposit into the vault.
func (p *Protocol) DepositFees(ctx context.Context, depositor string, amount *uint256.Int) (*vault.FeeResult, error) {
	var out *vault.FeeResult
	err := p.execute(ctx, ModuleVault, "deposit_fees", func(context.Context) error {
		res, err := p.vault.DepositFees(p.vaultAsset, depositor, amount)
		out = res
		return err
	})
	return out, err
}

// SetVaultPaused toggles the vault's own pause flag.
func (p *Protocol) SetVaultPaused(ctx context.Context, paused bool) error {
	return p.execute(ctx, ModuleVault, "set_paused", func(context.Context) error {
		return p.vault.SetPaused(p.vaultAsset, paused)
	})
}

// Market returns the committed market record without accruing.
func (p *Protocol) Market() (*lending.Market, error) {
	var out *lending.Market
	err := p.read(func() error {
		m, err := p.lending.Market(p.marketAsset)
		out = m
		return err
	})
	return out, err
}

// MarketRates is a utilisation and rate snapshot, all Scale-denominated.
type MarketRates struct {
	Utilisation *uint256.Int
	BorrowRate  *uint256.Int
	SupplyRate  *uint256.Int
}

// Rates returns the current utilisation and annual rates.
func (p *Protocol) Rates() (*MarketRates, error) {
	var out *MarketRates
	err := p.read(func() error {
		utilisation, borrow, supply, err := p.lending.Rates(p.marketAsset)
		if err != nil {
			return err
		}
		out = &MarketRates{Utilisation: utilisation, BorrowRate: borrow, SupplyRate: supply}
		return nil
	})
	return out, err
}

// Accrue persists interest up to the current clock.
func (p *Protocol) Accrue(ctx context.Context) (*lending.Market, error) {
	var out *lending.Market
	err := p.execute(ctx, ModuleLending, "accrue", func(context.Context) error {
		m, err := p.lending.Accrue(p.marketAsset)
		out = m
		return err
	})
	return out, err
}

// Supply deposits liquidity for supplier and returns the receipts minted.
func (p *Protocol) Supply(ctx context.Context, supplier string, amount *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.execute(ctx, ModuleLending, "supply", func(context.Context) error {
		receipts, err := p.lending.Supply(p.marketAsset, supplier, amount)
		out = receipts
		return err
	})
	return out, err
}

// Withdraw burns receipts and returns the liquidity paid out.
func (p *Protocol) Withdraw(ctx context.Context, supplier string, receipts *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.execute(ctx, ModuleLending, "withdraw", func(context.Context) error {
		paid, err := p.lending.Withdraw(p.marketAsset, supplier, receipts)
		out = paid
		return err
	})
	return out, err
}

// Borrow lends amount to account, paying it to the same account.
func (p *Protocol) Borrow(ctx context.Context, account string, amount *uint256.Int) error {
	return p.execute(ctx, ModuleLending, "borrow", func(context.Context) error {
		return p.lending.Borrow(p.marketAsset, account, account, amount)
	})
}

// Repay applies amount from payer against account's debt.
func (p *Protocol) Repay(ctx context.Context, payer, account string, amount *uint256.Int) (*lending.RepayResult, error) {
	var out *lending.RepayResult
	err := p.execute(ctx, ModuleLending, "repay", func(context.Context) error {
		res, err := p.lending.Repay(p.marketAsset, payer, account, amount)
		out = res
		return err
	})
	return out, err
}

// TotalOwed projects account's debt to the current clock without persisting.
func (p *Protocol) TotalOwed(account string) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.read(func() error {
		owed, err := p.lending.TotalOwed(p.marketAsset, account)
		out = owed
		return err
	})
	return out, err
}

// ProposeMarketPause starts the pause timelock.
func (p *Protocol) ProposeMarketPause(ctx context.Context) error {
	return p.execute(ctx, ModuleLending, "propose_pause", func(context.Context) error {
		return p.lending.ProposePause(p.marketAsset)
	})
}

// ExecuteMarketPause pauses the market once the timelock has elapsed.
func (p *Protocol) ExecuteMarketPause(ctx context.Context) error {
	return p.execute(ctx, ModuleLending, "execute_pause", func(context.Context) error {
		return p.lending.ExecutePause(p.marketAsset)
	})
}

// UnpauseMarket lifts a market pause immediately.
func (p *Protocol) UnpauseMarket(ctx context.Context) error {
	return p.execute(ctx, ModuleLending, "unpause", func(context.Context) error {
		return p.lending.Unpause(p.marketAsset)
	})
}

// OpenPosition locks collateral for owner and borrows against it.
func (p *Protocol) OpenPosition(ctx context.Context, owner string, collateral *uint256.Int, lev uint64, suppliedBorrow *uint256.Int) (*leverage.Position, error) {
	var out *leverage.Position
	err := p.execute(ctx, ModuleLeverage, "open", func(ctx context.Context) error {
		pos, err := p.leverage.Open(owner, collateral, lev, suppliedBorrow)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("crucible.position", int64(pos.ID)))
		out = pos
		return nil
	})
	return out, err
}

// ClosePosition settles an open position on behalf of its owner.
func (p *Protocol) ClosePosition(ctx context.Context, caller string, id uint64, maxSlippageBps uint64) (*leverage.CloseResult, error) {
	var out *leverage.CloseResult
	err := p.execute(ctx, ModuleLeverage, "close", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("crucible.position", int64(id)))
		res, err := p.leverage.Close(caller, id, maxSlippageBps)
		out = res
		return err
	})
	return out, err
}

// Position returns a stored position.
func (p *Protocol) Position(id uint64) (*leverage.Position, error) {
	var out *leverage.Position
	err := p.read(func() error {
		pos, err := p.leverage.Position(id)
		out = pos
		return err
	})
	return out, err
}

// PositionsByOwner lists every position ever opened by owner.
func (p *Protocol) PositionsByOwner(owner string) ([]*leverage.Position, error) {
	var out []*leverage.Position
	err := p.read(func() error {
		positions, err := p.state.PositionsByOwner(owner)
		out = positions
		return err
	})
	return out, err
}

// Health evaluates the loan-to-value of an open position.
func (p *Protocol) Health(id uint64) (*liquidation.Health, error) {
	var out *liquidation.Health
	err := p.read(func() error {
		h, err := p.liquidation.Health(id)
		out = h
		return err
	})
	return out, err
}

// Liquidate force-closes an unhealthy position for liquidator.
func (p *Protocol) Liquidate(ctx context.Context, liquidator string, id uint64) (*liquidation.Result, error) {
	var out *liquidation.Result
	err := p.execute(ctx, ModuleLiquidation, "liquidate", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("crucible.position", int64(id)))
		res, err := p.liquidation.Liquidate(liquidator, id)
		out = res
		return err
	})
	if err == nil {
		observability.Protocol().RecordLiquidation(p.vaultAsset)
	}
	return out, err
}

// SetModulePaused flips the operator pause switch of module.
func (p *Protocol) SetModulePaused(module string, paused bool) error {
	if p == nil {
		return errNilProtocol
	}
	if err := p.pauses.Set(module, paused); err != nil {
		return err
	}
	p.logger.Info("module pause updated", "module", module, "paused", paused)
	return nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
