// README: Money value object for SLA penalty amounts (minor units).
package types

type Money struct {
	Amount   int64
	Currency string
}

func Halalas(n int64) Money {
	return Money{Amount: n, Currency: "SAR"}
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}
}
