// Package convert sweeps stray holdings back into a single asset using
// the exchange convert plane. It never touches the order book.
package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"spot-trader/pkg/exchanges/common"
)

// stables never get converted; they are treated as cash equivalents.
var stables = map[string]bool{"USD": true, "USDC": true, "USDT": true, "DAI": true}

// PriceSource values holdings in the quote currency.
type PriceSource interface {
	LastPrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Holding is one convertible balance with its quote-currency value.
type Holding struct {
	Currency string
	Amount   decimal.Decimal
	Value    decimal.Decimal
}

// Result is the outcome of converting one holding.
type Result struct {
	Holding
	QuoteID  string
	Received decimal.Decimal
	Err      error
}

// Converter plans and executes holdings conversions.
type Converter struct {
	gw       common.Gateway
	prices   PriceSource
	quoteCcy string
	dust     decimal.Decimal
}

func New(gw common.Gateway, prices PriceSource, quoteCcy string, dust decimal.Decimal) *Converter {
	return &Converter{gw: gw, prices: prices, quoteCcy: quoteCcy, dust: dust}
}

// Plan lists the balances that would be converted to target. When
// sources is non-empty only those currencies are considered. Stables,
// the quote currency, the target itself, and balances worth less than
// the dust floor are skipped.
func (c *Converter) Plan(ctx context.Context, target string, sources []string) ([]Holding, error) {
	accounts, err := c.gw.GetAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	wanted := map[string]bool{}
	for _, s := range sources {
		wanted[s] = true
	}

	var plan []Holding
	for _, b := range accounts {
		cur := b.Currency
		if cur == target || cur == c.quoteCcy || stables[cur] {
			continue
		}
		if len(wanted) > 0 && !wanted[cur] {
			continue
		}
		if b.Available.Sign() <= 0 {
			continue
		}
		price, err := c.prices.LastPrice(ctx, cur+"-"+c.quoteCcy)
		if err != nil {
			log.Printf("convert: %s: no %s price, skipping: %v", cur, c.quoteCcy, err)
			continue
		}
		value := b.Available.Mul(price)
		if value.LessThan(c.dust) {
			continue
		}
		plan = append(plan, Holding{Currency: cur, Amount: b.Available, Value: value})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Value.GreaterThan(plan[j].Value) })
	return plan, nil
}

// Execute quotes and commits each planned conversion in turn. Failures
// do not stop the sweep; each holding reports its own outcome.
func (c *Converter) Execute(ctx context.Context, target string, plan []Holding) []Result {
	results := make([]Result, 0, len(plan))
	for _, h := range plan {
		r := Result{Holding: h}
		quote, err := c.gw.CreateConvertQuote(ctx, h.Currency, target, h.Amount)
		if err != nil {
			r.Err = fmt.Errorf("quote: %w", err)
			results = append(results, r)
			log.Printf("convert: %s -> %s: %v", h.Currency, target, r.Err)
			continue
		}
		r.QuoteID = quote.QuoteID
		committed, err := c.gw.CommitConvertTrade(ctx, quote.QuoteID)
		if err != nil {
			r.Err = fmt.Errorf("commit: %w", err)
			results = append(results, r)
			log.Printf("convert: %s -> %s: %v", h.Currency, target, r.Err)
			continue
		}
		r.Received = committed.ToAmount
		results = append(results, r)
		log.Printf("convert: %s %s -> %s %s", h.Amount, h.Currency, committed.ToAmount, target)
	}
	return results
}

// Print renders results as an aligned table.
func Print(w io.Writer, target string, results []Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tAMOUNT\tVALUE\tRECEIVED\tSTATUS")
	for _, r := range results {
		status := "ok"
		received := r.Received.String() + " " + target
		if r.Err != nil {
			status = r.Err.Error()
			received = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Currency, r.Amount, r.Value.StringFixed(2), received, status)
	}
	tw.Flush()
}
