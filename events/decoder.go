package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ledgerABI declares every contract event the indexer understands.
// Logs whose topic0 is not one of these signatures are skipped.
const ledgerABI = `[
	{"type":"event","name":"DonationMade","inputs":[
		{"name":"fundraiserId","type":"uint256","indexed":true},
		{"name":"donor","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"anonymous","type":"bool","indexed":false},
		{"name":"message","type":"string","indexed":false}
	]},
	{"type":"event","name":"CrossChainDonation","inputs":[
		{"name":"correlationId","type":"bytes32","indexed":true},
		{"name":"fundraiserId","type":"uint256","indexed":true},
		{"name":"donor","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"token","type":"address","indexed":false},
		{"name":"sourceChainId","type":"uint64","indexed":false},
		{"name":"destChainId","type":"uint64","indexed":false}
	]},
	{"type":"event","name":"YieldHarvested","inputs":[
		{"name":"fundraiserId","type":"uint256","indexed":true},
		{"name":"token","type":"address","indexed":false},
		{"name":"totalYield","type":"uint256","indexed":false},
		{"name":"daoShareBps","type":"uint16","indexed":false},
		{"name":"stakerShareBps","type":"uint16","indexed":false},
		{"name":"platformShareBps","type":"uint16","indexed":false}
	]},
	{"type":"event","name":"StockPurchased","inputs":[
		{"name":"fundraiserId","type":"uint256","indexed":true},
		{"name":"symbol","type":"string","indexed":false},
		{"name":"shares","type":"uint256","indexed":false},
		{"name":"cost","type":"uint256","indexed":false},
		{"name":"token","type":"address","indexed":false}
	]},
	{"type":"event","name":"FBTStaked","inputs":[
		{"name":"staker","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"unlockTime","type":"uint64","indexed":false}
	]},
	{"type":"event","name":"VestingScheduleCreated","inputs":[
		{"name":"scheduleId","type":"uint256","indexed":true},
		{"name":"beneficiary","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"startTime","type":"uint64","indexed":false},
		{"name":"duration","type":"uint64","indexed":false},
		{"name":"cliff","type":"uint64","indexed":false}
	]},
	{"type":"event","name":"TokensBurned","inputs":[
		{"name":"account","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Staked","inputs":[
		{"name":"staker","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"Unstaked","inputs":[
		{"name":"staker","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]}
]`

// Decoder turns raw logs into typed domain events. Decoding is pure:
// no storage, no network, the same log always yields the same result.
type Decoder struct {
	registry *Registry
	abi      abi.ABI
}

// NewDecoder creates a decoder bound to a watch-set registry. A nil
// registry disables the address filter, which is useful in tests.
func NewDecoder(registry *Registry) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(ledgerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger ABI: %w", err)
	}
	return &Decoder{registry: registry, abi: parsed}, nil
}

// EventIDs returns the topic0 signature of every supported event, for
// building log subscription filters.
func (d *Decoder) EventIDs() []common.Hash {
	ids := make([]common.Hash, 0, len(d.abi.Events))
	for _, ev := range d.abi.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// ABI returns the parsed ledger ABI, for callers that need to encode
// calls or logs against the same event set.
func (d *Decoder) ABI() abi.ABI {
	return d.abi
}

// Decode turns one raw log into a typed domain event.
//
// It returns ErrUnsupportedEvent for logs outside the watch set or with
// an unknown signature, a DecodeError when a watched log's payload does
// not match its ABI, and an InvariantViolationError when decoded values
// break a ledger rule.
func (d *Decoder) Decode(raw RawLog) (DomainEvent, error) {
	if len(raw.Topics) == 0 {
		return nil, ErrUnsupportedEvent
	}
	if d.registry != nil && !d.registry.Watched(raw.ChainID, raw.Address) {
		return nil, ErrUnsupportedEvent
	}

	ev, err := d.abi.EventByID(raw.EventSig())
	if err != nil {
		return nil, ErrUnsupportedEvent
	}

	args := make(map[string]interface{})

	var indexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(raw.Topics) != len(indexed)+1 {
		return nil, &DecodeError{
			Provenance: raw.Provenance(),
			Event:      ev.Name,
			Err:        fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(raw.Topics)),
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, raw.Topics[1:]); err != nil {
			return nil, &DecodeError{Provenance: raw.Provenance(), Event: ev.Name, Err: err}
		}
	}

	var nonIndexed abi.Arguments
	for _, input := range ev.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, raw.Data); err != nil {
			return nil, &DecodeError{Provenance: raw.Provenance(), Event: ev.Name, Err: err}
		}
	}

	meta := EventMeta{
		Provenance: raw.Provenance(),
		BlockTime:  time.Unix(int64(raw.BlockTime), 0).UTC(),
	}

	var (
		event    DomainEvent
		buildErr error
	)
	switch ev.Name {
	case "DonationMade":
		event, buildErr = d.donationMade(raw, meta, args)
	case "CrossChainDonation":
		event, buildErr = d.crossChainDonation(raw, meta, args)
	case "YieldHarvested":
		event, buildErr = d.yieldHarvested(raw, meta, args)
	case "StockPurchased":
		event, buildErr = d.stockPurchased(raw, meta, args)
	case "FBTStaked":
		event, buildErr = d.fbtStaked(raw, meta, args)
	case "VestingScheduleCreated":
		event, buildErr = d.vestingScheduleCreated(raw, meta, args)
	case "TokensBurned":
		event, buildErr = d.tokensBurned(raw, meta, args)
	case "Staked":
		event, buildErr = d.staked(raw, meta, args)
	case "Unstaked":
		event, buildErr = d.unstaked(raw, meta, args)
	default:
		return nil, ErrUnsupportedEvent
	}

	if buildErr != nil {
		if IsInvariantViolation(buildErr) {
			return nil, buildErr
		}
		return nil, &DecodeError{Provenance: raw.Provenance(), Event: ev.Name, Err: buildErr}
	}
	return event, nil
}

func (d *Decoder) donationMade(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	fundraiserID, err := u64FromBig(args, "fundraiserId")
	if err != nil {
		return nil, err
	}
	donor, err := addrArg(args, "donor")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	token, err := addrArg(args, "token")
	if err != nil {
		return nil, err
	}
	anonymous, err := boolArg(args, "anonymous")
	if err != nil {
		return nil, err
	}
	message, err := strArg(args, "message")
	if err != nil {
		return nil, err
	}
	return &DonationMade{
		EventMeta:    meta,
		FundraiserID: fundraiserID,
		Donor:        donor,
		Amount:       amount,
		Token:        token,
		TokenSymbol:  d.symbol(raw.ChainID, token),
		Anonymous:    anonymous,
		Message:      message,
	}, nil
}

func (d *Decoder) crossChainDonation(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	fundraiserID, err := u64FromBig(args, "fundraiserId")
	if err != nil {
		return nil, err
	}
	donor, err := addrArg(args, "donor")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	token, err := addrArg(args, "token")
	if err != nil {
		return nil, err
	}
	source, err := u64Arg(args, "sourceChainId")
	if err != nil {
		return nil, err
	}
	dest, err := u64Arg(args, "destChainId")
	if err != nil {
		return nil, err
	}
	if raw.ChainID != source && raw.ChainID != dest {
		return nil, &InvariantViolationError{
			Provenance: raw.Provenance(),
			Reason:     fmt.Sprintf("emitting chain %d is neither source %d nor destination %d", raw.ChainID, source, dest),
		}
	}
	return &CrossChainDonation{
		EventMeta:     meta,
		CorrelationID: raw.Topics[1],
		FundraiserID:  fundraiserID,
		Donor:         donor,
		Amount:        amount,
		Token:         token,
		TokenSymbol:   d.symbol(raw.ChainID, token),
		SourceChainID: source,
		DestChainID:   dest,
	}, nil
}

func (d *Decoder) yieldHarvested(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	fundraiserID, err := u64FromBig(args, "fundraiserId")
	if err != nil {
		return nil, err
	}
	token, err := addrArg(args, "token")
	if err != nil {
		return nil, err
	}
	totalYield, err := bigArg(args, "totalYield")
	if err != nil {
		return nil, err
	}
	daoBps, err := u16Arg(args, "daoShareBps")
	if err != nil {
		return nil, err
	}
	stakerBps, err := u16Arg(args, "stakerShareBps")
	if err != nil {
		return nil, err
	}
	platformBps, err := u16Arg(args, "platformShareBps")
	if err != nil {
		return nil, err
	}

	split := YieldSplit{DAOBps: daoBps, StakerBps: stakerBps, PlatformBps: platformBps}
	if err := split.Validate(); err != nil {
		var iv *InvariantViolationError
		if errors.As(err, &iv) {
			iv.Provenance = raw.Provenance()
		}
		return nil, err
	}

	return &YieldHarvested{
		EventMeta:    meta,
		FundraiserID: fundraiserID,
		Token:        token,
		TokenSymbol:  d.symbol(raw.ChainID, token),
		TotalYield:   totalYield,
		Split:        split,
	}, nil
}

func (d *Decoder) stockPurchased(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	fundraiserID, err := u64FromBig(args, "fundraiserId")
	if err != nil {
		return nil, err
	}
	symbol, err := strArg(args, "symbol")
	if err != nil {
		return nil, err
	}
	shares, err := bigArg(args, "shares")
	if err != nil {
		return nil, err
	}
	cost, err := bigArg(args, "cost")
	if err != nil {
		return nil, err
	}
	token, err := addrArg(args, "token")
	if err != nil {
		return nil, err
	}
	return &StockPurchased{
		EventMeta:    meta,
		FundraiserID: fundraiserID,
		Symbol:       symbol,
		Shares:       shares,
		Cost:         cost,
		Token:        token,
		TokenSymbol:  d.symbol(raw.ChainID, token),
	}, nil
}

func (d *Decoder) fbtStaked(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	staker, err := addrArg(args, "staker")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	unlock, err := u64Arg(args, "unlockTime")
	if err != nil {
		return nil, err
	}
	return &FBTStaked{
		EventMeta:  meta,
		Staker:     staker,
		Amount:     amount,
		UnlockTime: time.Unix(int64(unlock), 0).UTC(),
	}, nil
}

func (d *Decoder) vestingScheduleCreated(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	scheduleID, err := u64FromBig(args, "scheduleId")
	if err != nil {
		return nil, err
	}
	beneficiary, err := addrArg(args, "beneficiary")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	start, err := u64Arg(args, "startTime")
	if err != nil {
		return nil, err
	}
	duration, err := u64Arg(args, "duration")
	if err != nil {
		return nil, err
	}
	cliff, err := u64Arg(args, "cliff")
	if err != nil {
		return nil, err
	}
	return &VestingScheduleCreated{
		EventMeta:   meta,
		ScheduleID:  scheduleID,
		Beneficiary: beneficiary,
		Amount:      amount,
		Start:       time.Unix(int64(start), 0).UTC(),
		Duration:    time.Duration(duration) * time.Second,
		Cliff:       time.Duration(cliff) * time.Second,
	}, nil
}

func (d *Decoder) tokensBurned(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	account, err := addrArg(args, "account")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	return &TokensBurned{EventMeta: meta, Account: account, Amount: amount}, nil
}

func (d *Decoder) staked(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	staker, err := addrArg(args, "staker")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	return &Staked{EventMeta: meta, Staker: staker, Amount: amount}, nil
}

func (d *Decoder) unstaked(raw RawLog, meta EventMeta, args map[string]interface{}) (DomainEvent, error) {
	staker, err := addrArg(args, "staker")
	if err != nil {
		return nil, err
	}
	amount, err := bigArg(args, "amount")
	if err != nil {
		return nil, err
	}
	return &Unstaked{EventMeta: meta, Staker: staker, Amount: amount}, nil
}

func (d *Decoder) symbol(chainID uint64, token common.Address) string {
	if d.registry == nil {
		return ""
	}
	info, ok := d.registry.Token(chainID, token)
	if !ok {
		return ""
	}
	return info.Symbol
}

func bigArg(args map[string]interface{}, name string) (*big.Int, error) {
	v, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("argument %q has type %T, want *big.Int", name, v)
	}
	return b, nil
}

func u64FromBig(args map[string]interface{}, name string) (uint64, error) {
	b, err := bigArg(args, name)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("argument %q overflows uint64", name)
	}
	return b.Uint64(), nil
}

func addrArg(args map[string]interface{}, name string) (common.Address, error) {
	v, ok := args[name]
	if !ok {
		return common.Address{}, fmt.Errorf("missing argument %q", name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("argument %q has type %T, want common.Address", name, v)
	}
	return addr, nil
}

func u64Arg(args map[string]interface{}, name string) (uint64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	n, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("argument %q has type %T, want uint64", name, v)
	}
	return n, nil
}

func u16Arg(args map[string]interface{}, name string) (uint16, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	n, ok := v.(uint16)
	if !ok {
		return 0, fmt.Errorf("argument %q has type %T, want uint16", name, v)
	}
	return n, nil
}

func boolArg(args map[string]interface{}, name string) (bool, error) {
	v, ok := args[name]
	if !ok {
		return false, fmt.Errorf("missing argument %q", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q has type %T, want bool", name, v)
	}
	return b, nil
}

func strArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q has type %T, want string", name, v)
	}
	return s, nil
}
