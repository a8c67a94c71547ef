package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/pkg/price"
	"github.com/fundback/ledger-indexer/storage"
)

// Reconciler applies decoded chain events to the ledger. All mutation
// paths are serialized by one mutex: every applied event touches the
// shared aggregate row, so chain workers contend there regardless of
// how finely anything else is locked.
//
// Each block commits as a single atomic batch covering the header
// arena, admissions, entries, pending markers, roll-ups, and the
// chain cursor. A crash either keeps the whole block or none of it.
type Reconciler struct {
	store    *storage.Store
	decoder  *events.Decoder
	registry *events.Registry
	prices   price.Source
	logger   *zap.Logger

	mu sync.Mutex
}

// NewReconciler creates a reconciler. prices may be nil, in which case
// every donation lands in the reprice queue.
func NewReconciler(store *storage.Store, decoder *events.Decoder, registry *events.Registry, prices price.Source, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		decoder:  decoder,
		registry: registry,
		prices:   prices,
		logger:   logger.With(zap.String("component", "ledger")),
	}
}

// BlockResult reports what one applied block changed.
type BlockResult struct {
	ChainID uint64
	Block   uint64

	// Entries created or enriched by this block, in log order. The
	// publisher turns these into pending facts.
	Entries []*storage.Entry

	Admitted    int
	Duplicates  int
	Unwatched   int
	Quarantined int
	Unpriced    int
}

// ApplyBlock decodes, admits, and applies every log of one block as a
// single atomic batch, then advances the chain cursor. Redelivering
// the same block is harmless: every log inside is already admitted.
func (r *Reconciler) ApplyBlock(ctx context.Context, bundle events.BlockBundle) (*BlockResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := r.store.NewBatch()
	defer batch.Close()

	m, err := newMutation(ctx, r.store, batch, r.logger)
	if err != nil {
		return nil, err
	}

	if err := batch.PutHeader(bundle.ChainID, bundle.Header); err != nil {
		return nil, err
	}

	res := &BlockResult{ChainID: bundle.ChainID, Block: bundle.Header.Number}

	for i := range bundle.Logs {
		raw := bundle.Logs[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ev, err := r.decoder.Decode(raw)
		if err != nil {
			if errors.Is(err, events.ErrUnsupportedEvent) {
				res.Unwatched++
				continue
			}
			if events.IsDecodeError(err) || events.IsInvariantViolation(err) {
				r.quarantine(m, raw, err)
				res.Quarantined++
				continue
			}
			return nil, err
		}

		prov := ev.Meta().Provenance
		admitted, err := r.store.IsAdmitted(ctx, prov.Key())
		if err != nil {
			return nil, err
		}
		if admitted {
			res.Duplicates++
			continue
		}

		entry, err := r.applyEvent(ctx, m, ev)
		if err != nil {
			if events.IsInvariantViolation(err) {
				r.quarantine(m, raw, err)
				res.Quarantined++
				continue
			}
			return nil, err
		}
		if entry == nil {
			res.Duplicates++
			continue
		}

		rec := &storage.AdmissionRecord{
			Provenance: prov,
			EntryID:    entry.ID,
			Kind:       ev.Kind(),
			AdmittedAt: m.now,
		}
		if err := batch.PutAdmission(rec); err != nil {
			return nil, err
		}
		res.Admitted++
		res.Entries = append(res.Entries, entry)
	}

	state, err := r.chainState(ctx, bundle.ChainID)
	if err != nil {
		return nil, err
	}
	state.LastProcessed = bundle.Header.Number
	state.LastHash = bundle.Header.Hash
	state.UpdatedAt = m.now
	if err := batch.PutChainState(state); err != nil {
		return nil, err
	}

	if err := m.flush(); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	res.Unpriced = m.unpriced

	r.logger.Debug("block applied",
		zap.Uint64("chain_id", bundle.ChainID),
		zap.Uint64("block", bundle.Header.Number),
		zap.Int("admitted", res.Admitted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("quarantined", res.Quarantined))
	return res, nil
}

// applyEvent applies one admitted event. A nil entry with a nil error
// means the event was skipped as a duplicate.
func (r *Reconciler) applyEvent(ctx context.Context, m *mutation, ev events.DomainEvent) (*storage.Entry, error) {
	if x, ok := ev.(*events.CrossChainDonation); ok {
		return r.applyCrossChain(ctx, m, x)
	}
	if y, ok := ev.(*events.YieldHarvested); ok {
		if err := y.Split.Validate(); err != nil {
			return nil, err
		}
	}

	prov := ev.Meta().Provenance
	existing, err := m.entry(ctx, prov.Key())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != storage.EntryReverted {
		// Admission was retracted but the live entry survived, which
		// a clean rollback never produces.
		r.logger.Warn("live entry for unadmitted event",
			zap.String("entry_id", existing.ID),
			zap.String("status", string(existing.Status)))
		return nil, nil
	}

	// A replayed event after rollback overwrites its reverted entry:
	// same provenance key, fresh pending row.
	entry := r.buildEntry(ctx, ev)
	m.putEntry(entry)
	if err := m.batch.PutPendingMarker(prov.ChainID, prov.BlockNumber, entry.ID); err != nil {
		return nil, err
	}
	bucketCredit(&m.stats.Pending, entry)
	if err := m.applyEffects(ctx, entry); err != nil {
		return nil, err
	}
	if isDonationKind(entry.Kind) && entry.AmountUSD == nil {
		if err := m.queueReprice(entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// applyCrossChain correlates one observed leg of a bridged donation.
// The first leg carries the financial effect; the second only attaches
// its provenance, whichever order they arrive in.
func (r *Reconciler) applyCrossChain(ctx context.Context, m *mutation, e *events.CrossChainDonation) (*storage.Entry, error) {
	prov := e.Meta().Provenance
	leg := storage.EntryLeg{Role: legRole(e.Leg()), Provenance: prov}

	entry, err := m.entryByCorrelation(ctx, e.CorrelationID)
	if err != nil {
		return nil, err
	}

	if entry == nil || entry.Status == storage.EntryReverted {
		corr := e.CorrelationID
		fresh := &storage.Entry{
			ID:            crossEntryID(corr),
			Kind:          events.KindCrossChainDonation,
			Status:        storage.EntryPending,
			Legs:          []storage.EntryLeg{leg},
			Amount:        e.Amount,
			AmountUSD:     r.priceUSD(ctx, prov.ChainID, e.Token, e.Amount, e.BlockTime),
			Token:         e.Token,
			TokenSymbol:   e.TokenSymbol,
			BlockTime:     e.BlockTime,
			FundraiserID:  e.FundraiserID,
			Donor:         e.Donor,
			CorrelationID: &corr,
			SourceChainID: e.SourceChainID,
			DestChainID:   e.DestChainID,
		}
		m.putEntry(fresh)
		if err := m.setCorrelation(corr, fresh.ID); err != nil {
			return nil, err
		}
		if err := m.batch.PutPendingMarker(prov.ChainID, prov.BlockNumber, fresh.ID); err != nil {
			return nil, err
		}
		bucketCredit(&m.stats.Pending, fresh)
		if err := m.applyEffects(ctx, fresh); err != nil {
			return nil, err
		}
		if fresh.AmountUSD == nil {
			if err := m.queueReprice(fresh); err != nil {
				return nil, err
			}
		}
		return fresh, nil
	}

	// Second leg. The amount is already counted; only the provenance
	// attaches.
	if prior := entry.Leg(prov.ChainID); prior != nil {
		r.logger.Warn("replacing duplicate cross-chain leg",
			zap.String("entry_id", entry.ID),
			zap.Uint64("chain_id", prov.ChainID),
			zap.Stringer("old_tx", prior.Provenance.TxHash),
			zap.Stringer("new_tx", prov.TxHash))
		if err := m.batch.DeletePendingMarker(prov.ChainID, prior.Provenance.BlockNumber, entry.ID); err != nil {
			return nil, err
		}
		*prior = leg
	} else {
		entry.Legs = append(entry.Legs, leg)
	}
	if err := m.batch.PutPendingMarker(prov.ChainID, prov.BlockNumber, entry.ID); err != nil {
		return nil, err
	}
	m.putEntry(entry)
	return entry, nil
}

// buildEntry constructs the pending row for a single-chain event. The
// id is derived from provenance alone so a post-reorg replay lands on
// the same row.
func (r *Reconciler) buildEntry(ctx context.Context, ev events.DomainEvent) *storage.Entry {
	meta := ev.Meta()
	prov := meta.Provenance
	e := &storage.Entry{
		ID:        prov.Key(),
		Kind:      ev.Kind(),
		Status:    storage.EntryPending,
		Legs:      []storage.EntryLeg{{Role: storage.LegSingle, Provenance: prov}},
		BlockTime: meta.BlockTime,
	}

	switch v := ev.(type) {
	case *events.DonationMade:
		e.Amount = v.Amount
		e.Token = v.Token
		e.TokenSymbol = v.TokenSymbol
		e.FundraiserID = v.FundraiserID
		e.Donor = v.Donor
		e.Anonymous = v.Anonymous
		e.Message = v.Message
		e.AmountUSD = r.priceUSD(ctx, prov.ChainID, v.Token, v.Amount, meta.BlockTime)

	case *events.YieldHarvested:
		e.Amount = v.TotalYield
		e.Token = v.Token
		e.TokenSymbol = v.TokenSymbol
		e.FundraiserID = v.FundraiserID
		split := v.Split
		e.Split = &split
		e.DAOAmount, e.StakerAmount, e.PlatformAmount = split.Distribute(v.TotalYield)

	case *events.StockPurchased:
		e.FundraiserID = v.FundraiserID
		e.StockSymbol = v.Symbol
		e.Shares = v.Shares
		e.Cost = v.Cost
		e.Token = v.Token
		e.TokenSymbol = v.TokenSymbol

	case *events.FBTStaked:
		e.Staker = v.Staker
		e.Amount = v.Amount
		unlock := v.UnlockTime
		e.UnlockTime = &unlock

	case *events.VestingScheduleCreated:
		e.ScheduleID = v.ScheduleID
		e.Beneficiary = v.Beneficiary
		e.Amount = v.Amount
		start := v.Start
		e.VestStart = &start
		e.VestSeconds = uint64(v.Duration / time.Second)
		e.CliffSecs = uint64(v.Cliff / time.Second)

	case *events.TokensBurned:
		e.Staker = v.Account
		e.Amount = v.Amount

	case *events.Staked:
		e.Staker = v.Staker
		e.Amount = v.Amount

	case *events.Unstaked:
		e.Staker = v.Staker
		e.Amount = v.Amount
	}
	return e
}

// priceUSD values a token amount at a block timestamp, or returns nil
// when no price is obtainable. Price failures queue for reprice, they
// never fail the block.
func (r *Reconciler) priceUSD(ctx context.Context, chainID uint64, token common.Address, amount *big.Int, at time.Time) *big.Int {
	if r.prices == nil || r.registry == nil || amount == nil {
		return nil
	}
	info, ok := r.registry.Token(chainID, token)
	if !ok {
		return nil
	}
	usd, err := price.ValueUSD(ctx, r.prices, chainID, token, amount, info.Decimals, at)
	if err != nil {
		r.logger.Warn("price lookup failed",
			zap.Uint64("chain_id", chainID),
			zap.Stringer("token", token),
			zap.Error(err))
		return nil
	}
	return usd
}

func (r *Reconciler) quarantine(m *mutation, raw events.RawLog, cause error) {
	r.logger.Warn("log quarantined",
		zap.Uint64("chain_id", raw.ChainID),
		zap.Stringer("tx", raw.TxHash),
		zap.Uint("log_index", raw.LogIndex),
		zap.Error(cause))
	rec := &storage.QuarantineRecord{Log: raw, Reason: cause.Error(), At: m.now}
	if err := m.batch.PutQuarantine(rec); err != nil {
		r.logger.Error("failed to stage quarantine record", zap.Error(err))
	}
}

func (r *Reconciler) chainState(ctx context.Context, chainID uint64) (*storage.ChainState, error) {
	state, err := r.store.GetChainState(ctx, chainID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.ChainState{ChainID: chainID}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func isDonationKind(k events.Kind) bool {
	return k == events.KindDonationMade || k == events.KindCrossChainDonation
}

func crossEntryID(corr common.Hash) string {
	return fmt.Sprintf("x:%s", corr.Hex())
}

func legRole(l events.DonationLeg) storage.LegRole {
	switch l {
	case events.LegSource:
		return storage.LegSource
	case events.LegDestination:
		return storage.LegDest
	default:
		return storage.LegSingle
	}
}
