package sandbox

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/chain"
	"github.com/atlas-desktop/strategy-sandbox/internal/ledger"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

// chainValue exposes the option chain as a flat sequence of row dicts plus
// lookup helpers
type chainValue struct {
	c *chain.Chain
}

var (
	_ starlark.Indexable = (*chainValue)(nil)
	_ starlark.HasAttrs  = (*chainValue)(nil)
)

func (v *chainValue) String() string        { return fmt.Sprintf("<chain rows=%d>", v.c.Len()) }
func (v *chainValue) Type() string          { return "chain" }
func (v *chainValue) Freeze()               {}
func (v *chainValue) Truth() starlark.Bool  { return v.c.Len() > 0 }
func (v *chainValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: chain") }
func (v *chainValue) Len() int              { return v.c.Len() }
func (v *chainValue) Index(i int) starlark.Value {
	return contractDict(v.c.Rows()[i])
}

func (v *chainValue) AttrNames() []string {
	return []string{"atm", "contract", "contract_series", "dates", "nearest_expiry", "rows", "snapshot", "underlying"}
}

func (v *chainValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "rows":
		return contractList(v.c.Rows()), nil
	case "dates":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			dates := v.c.Dates()
			out := make([]starlark.Value, len(dates))
			for i, d := range dates {
				out[i] = dateString(d)
			}
			return starlark.NewList(out), nil
		}), nil
	case "snapshot":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date); err != nil {
				return nil, err
			}
			d, err := parseDate(name, date)
			if err != nil {
				return nil, err
			}
			return contractList(v.c.Snapshot(d)), nil
		}), nil
	case "underlying":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date); err != nil {
				return nil, err
			}
			d, err := parseDate(name, date)
			if err != nil {
				return nil, err
			}
			px, ok := v.c.Underlying(d)
			if !ok {
				return starlark.None, nil
			}
			return starlark.Float(px), nil
		}), nil
	case "nearest_expiry":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date starlark.Value
			minDTE, maxDTE := 0, 60
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date, "min_dte?", &minDTE, "max_dte?", &maxDTE); err != nil {
				return nil, err
			}
			d, err := parseDate(name, date)
			if err != nil {
				return nil, err
			}
			exp, ok := v.c.NearestExpiry(d, minDTE, maxDTE)
			if !ok {
				return starlark.None, nil
			}
			return dateString(exp), nil
		}), nil
	case "atm":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date, exp starlark.Value
			var right string
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date, "expiration", &exp, "right", &right); err != nil {
				return nil, err
			}
			d, e, r, err := contractKey(name, date, exp, right)
			if err != nil {
				return nil, err
			}
			c, ok := v.c.ATM(d, e, r)
			if !ok {
				return starlark.None, nil
			}
			return contractDict(c), nil
		}), nil
	case "contract":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date, exp, strike starlark.Value
			var right string
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date, "expiration", &exp, "strike", &strike, "right", &right); err != nil {
				return nil, err
			}
			d, e, r, err := contractKey(name, date, exp, right)
			if err != nil {
				return nil, err
			}
			k, err := floatArg(name, "strike", strike, 0)
			if err != nil {
				return nil, err
			}
			c, ok := v.c.Contract(d, e, k, r)
			if !ok {
				return starlark.None, nil
			}
			return contractDict(c), nil
		}), nil
	case "contract_series":
		return method("chain", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var exp, strike, asOf starlark.Value
			var right string
			if err := starlark.UnpackArgs(name, args, kwargs, "expiration", &exp, "strike", &strike, "right", &right, "as_of", &asOf); err != nil {
				return nil, err
			}
			d, e, r, err := contractKey(name, asOf, exp, right)
			if err != nil {
				return nil, err
			}
			k, err := floatArg(name, "strike", strike, 0)
			if err != nil {
				return nil, err
			}
			return contractList(v.c.ContractSeries(e, k, r, d)), nil
		}), nil
	}
	return nil, nil
}

func contractKey(fn string, date, exp starlark.Value, right string) (d, e time.Time, r types.Right, err error) {
	if d, err = parseDate(fn, date); err != nil {
		return
	}
	if e, err = parseDate(fn, exp); err != nil {
		return
	}
	if r, err = types.ParseRight(right); err != nil {
		err = fmt.Errorf("%s: %w", fn, err)
	}
	return
}

func contractList(rows []types.OptionContract) *starlark.List {
	out := make([]starlark.Value, len(rows))
	for i, r := range rows {
		out[i] = contractDict(r)
	}
	return starlark.NewList(out)
}

func contractDict(c types.OptionContract) *starlark.Dict {
	d := starlark.NewDict(20)
	set := func(k string, v starlark.Value) { _ = d.SetKey(starlark.String(k), v) }
	set("date", dateString(c.Date))
	set("expiration", dateString(c.Expiration))
	set("strike", starlark.Float(c.Strike))
	set("right", starlark.String(c.Right))
	set("open", starlark.Float(c.Open))
	set("high", starlark.Float(c.High))
	set("low", starlark.Float(c.Low))
	set("close", starlark.Float(c.Close))
	set("bid", starlark.Float(c.Bid))
	set("ask", starlark.Float(c.Ask))
	set("mid", starlark.Float(c.Mid()))
	set("volume", starlark.MakeInt64(c.Volume))
	set("delta", optionalFloat(c.Delta))
	set("gamma", optionalFloat(c.Gamma))
	set("theta", optionalFloat(c.Theta))
	set("vega", optionalFloat(c.Vega))
	set("rho", optionalFloat(c.Rho))
	set("iv", optionalFloat(c.IV))
	set("dte", starlark.MakeInt(c.DTE))
	set("underlying_close", starlark.Float(c.UnderlyingClose))
	d.Freeze()
	return d
}

func greeksDict(g types.Greeks) *starlark.Dict {
	return floatDict(map[string]float64{
		"delta": g.Delta,
		"gamma": g.Gamma,
		"theta": g.Theta,
		"vega":  g.Vega,
		"rho":   g.Rho,
		"iv":    g.IV,
	})
}

// optionsBookFactory returns the OptionsBook(initial_cash=...) constructor.
// Every book it makes quotes against the session's chain.
func optionsBookFactory(logger *zap.Logger, quotes ledger.QuoteSource, defaultCash float64) *starlark.Builtin {
	return builtin("OptionsBook", func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cash starlark.Value
		if err := starlark.UnpackArgs("OptionsBook", args, kwargs, "initial_cash?", &cash); err != nil {
			return nil, err
		}
		f, err := floatArg("OptionsBook", "initial_cash", cash, defaultCash)
		if err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, fmt.Errorf("OptionsBook: initial_cash must be positive, got %v", f)
		}
		return &bookValue{b: ledger.NewBook(logger, quotes, f)}, nil
	})
}

// bookValue exposes a ledger.Book
type bookValue struct {
	b *ledger.Book
}

var _ starlark.HasAttrs = (*bookValue)(nil)

func (v *bookValue) String() string {
	return fmt.Sprintf("<OptionsBook positions=%d equity=%s>", v.b.NumPositions(), v.b.Equity().StringFixed(2))
}
func (v *bookValue) Type() string          { return "OptionsBook" }
func (v *bookValue) Freeze()               {}
func (v *bookValue) Truth() starlark.Bool  { return true }
func (v *bookValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: OptionsBook") }

func (v *bookValue) AttrNames() []string {
	return []string{
		"cash", "close", "close_all", "close_expired", "equity", "find", "greeks", "num_positions",
		"open", "open_positions", "snapshots", "summary", "to_portfolio", "trades", "update",
	}
}

func (v *bookValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "cash":
		return starlark.Float(v.b.Cash().InexactFloat64()), nil
	case "equity":
		return starlark.Float(v.b.Equity().InexactFloat64()), nil
	case "num_positions":
		return starlark.MakeInt(v.b.NumPositions()), nil
	case "open_positions":
		return positionList(v.b.OpenPositions()), nil
	case "greeks":
		return greeksDict(v.b.Greeks()), nil
	case "summary":
		return floatDict(v.b.Summary()), nil
	case "trades":
		trades := v.b.Trades()
		out := make([]starlark.Value, len(trades))
		for i := range trades {
			out[i] = ledgerTradeDict(&trades[i])
		}
		return starlark.NewList(out), nil
	case "snapshots":
		snaps := v.b.Snapshots()
		out := make([]starlark.Value, len(snaps))
		for i, s := range snaps {
			out[i] = snapshotDict(s)
		}
		return starlark.NewList(out), nil
	case "open":
		return method("OptionsBook", name, v.open), nil
	case "close":
		return method("OptionsBook", name, v.close), nil
	case "close_all", "close_expired", "update":
		return method("OptionsBook", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var date starlark.Value
			if err := starlark.UnpackArgs(name, args, kwargs, "date", &date); err != nil {
				return nil, err
			}
			d, err := parseDate(name, date)
			if err != nil {
				return nil, err
			}
			if name == "update" {
				return snapshotDict(v.b.Update(d)), nil
			}
			closeFn := v.b.CloseAll
			if name == "close_expired" {
				closeFn = v.b.CloseExpired
			}
			trades, err := closeFn(d)
			if err != nil {
				return nil, err
			}
			out := make([]starlark.Value, len(trades))
			for i := range trades {
				out[i] = ledgerTradeDict(&trades[i])
			}
			return starlark.NewList(out), nil
		}), nil
	case "find":
		return method("OptionsBook", name, v.find), nil
	case "to_portfolio":
		return method("OptionsBook", name, func(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
				return nil, err
			}
			res, err := v.b.ToPortfolio()
			if err != nil {
				return nil, err
			}
			return &portfolioValue{res: res}, nil
		}), nil
	}
	return nil, nil
}

// open(date, expiration=None, strike=0, right="", quantity=1, price=None)
func (v *bookValue) open(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "open"
	var date, exp, strike, quantity, price starlark.Value
	var right string
	if err := starlark.UnpackArgs(fn, args, kwargs,
		"date", &date, "expiration?", &exp, "strike?", &strike, "right?", &right,
		"quantity?", &quantity, "price?", &price); err != nil {
		return nil, err
	}
	d, err := parseDate(fn, date)
	if err != nil {
		return nil, err
	}
	e, err := optionalDate(fn, exp)
	if err != nil {
		return nil, err
	}
	var r types.Right
	if e != nil {
		if r, err = types.ParseRight(right); err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
	}
	k, err := floatArg(fn, "strike", strike, 0)
	if err != nil {
		return nil, err
	}
	qty, err := floatArg(fn, "quantity", quantity, 1)
	if err != nil {
		return nil, err
	}
	px, err := optionalPrice(fn, price)
	if err != nil {
		return nil, err
	}
	pos, err := v.b.Open(d, e, k, r, qty, px)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return starlark.None, nil
	}
	return &positionValue{p: *pos}, nil
}

// close(position, date, price=None)
func (v *bookValue) close(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "close"
	var pos *positionValue
	var date, price starlark.Value
	if err := starlark.UnpackArgs(fn, args, kwargs, "position", &pos, "date", &date, "price?", &price); err != nil {
		return nil, err
	}
	d, err := parseDate(fn, date)
	if err != nil {
		return nil, err
	}
	px, err := optionalPrice(fn, price)
	if err != nil {
		return nil, err
	}
	t, err := v.b.Close(&pos.p, d, px)
	if err != nil {
		return nil, err
	}
	return ledgerTradeDict(t), nil
}

// find(expiration=None, strike=None, right=None)
func (v *bookValue) find(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	const fn = "find"
	var exp, strike, right starlark.Value
	if err := starlark.UnpackArgs(fn, args, kwargs, "expiration?", &exp, "strike?", &strike, "right?", &right); err != nil {
		return nil, err
	}
	var c ledger.Criteria
	var err error
	if c.Expiration, err = optionalDate(fn, exp); err != nil {
		return nil, err
	}
	if c.Strike, err = optionalPrice(fn, strike); err != nil {
		return nil, err
	}
	if right != nil && right != starlark.None {
		s, ok := starlark.AsString(right)
		if !ok {
			return nil, fmt.Errorf("%s: right must be a string, got %s", fn, right.Type())
		}
		r, err := types.ParseRight(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		c.Right = &r
	}
	return positionList(v.b.Find(c)), nil
}

func optionalPrice(fn string, v starlark.Value) (*float64, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return nil, fmt.Errorf("%s: want a number, got %s", fn, v.Type())
	}
	return &f, nil
}

func positionList(ps []ledger.Position) *starlark.List {
	out := make([]starlark.Value, len(ps))
	for i := range ps {
		out[i] = &positionValue{p: ps[i]}
	}
	return starlark.NewList(out)
}

func snapshotDict(s ledger.EquitySnapshot) *starlark.Dict {
	d := starlark.NewDict(4)
	_ = d.SetKey(starlark.String("date"), dateString(s.Date))
	_ = d.SetKey(starlark.String("cash"), starlark.Float(s.Cash.InexactFloat64()))
	_ = d.SetKey(starlark.String("market_value"), starlark.Float(s.MarketValue.InexactFloat64()))
	_ = d.SetKey(starlark.String("equity"), starlark.Float(s.Equity.InexactFloat64()))
	d.Freeze()
	return d
}

func ledgerTradeDict(t *ledger.Trade) *starlark.Dict {
	d := positionFields(&t.Position)
	_ = d.SetKey(starlark.String("exit_date"), dateString(t.ExitDate))
	_ = d.SetKey(starlark.String("exit_price"), starlark.Float(t.ExitPrice.InexactFloat64()))
	_ = d.SetKey(starlark.String("pnl"), starlark.Float(t.PnL.InexactFloat64()))
	_ = d.SetKey(starlark.String("return"), starlark.Float(t.Return()))
	d.Freeze()
	return d
}

func positionFields(p *ledger.Position) *starlark.Dict {
	d := starlark.NewDict(12)
	set := func(k string, v starlark.Value) { _ = d.SetKey(starlark.String(k), v) }
	set("id", starlark.String(p.ID))
	set("entry_date", dateString(p.EntryDate))
	exp := starlark.Value(starlark.None)
	if p.Expiration != nil {
		exp = dateString(*p.Expiration)
	}
	set("expiration", exp)
	set("strike", starlark.Float(p.Strike))
	set("right", starlark.String(p.Right))
	set("quantity", starlark.Float(p.Quantity.InexactFloat64()))
	set("entry_price", starlark.Float(p.EntryPrice.InexactFloat64()))
	set("mark", starlark.Float(p.Mark.InexactFloat64()))
	set("market_value", starlark.Float(p.MarketValue().InexactFloat64()))
	set("unrealized_pnl", starlark.Float(p.UnrealizedPnL().InexactFloat64()))
	set("greeks", greeksDict(p.Greeks))
	return d
}

// positionValue is a snapshot of one open position, usable as a handle for close
type positionValue struct {
	p ledger.Position
}

var _ starlark.HasAttrs = (*positionValue)(nil)

func (v *positionValue) String() string {
	if v.p.IsOption() {
		return fmt.Sprintf("<position %s %s %g x%s>", v.p.Expiration.Format(dateLayout), v.p.Right, v.p.Strike, v.p.Quantity)
	}
	return fmt.Sprintf("<position underlying x%s>", v.p.Quantity)
}
func (v *positionValue) Type() string          { return "position" }
func (v *positionValue) Freeze()               {}
func (v *positionValue) Truth() starlark.Bool  { return true }
func (v *positionValue) Hash() (uint32, error) { return starlark.String(v.p.ID).Hash() }

func (v *positionValue) AttrNames() []string {
	return []string{
		"entry_date", "entry_price", "expiration", "greeks", "id", "is_long", "is_option",
		"mark", "market_value", "quantity", "right", "strike", "unrealized_pnl",
	}
}

func (v *positionValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "is_long":
		return starlark.Bool(v.p.IsLong()), nil
	case "is_option":
		return starlark.Bool(v.p.IsOption()), nil
	}
	val, found, err := positionFields(&v.p).Get(starlark.String(name))
	if err != nil || !found {
		return nil, err
	}
	return val, nil
}
