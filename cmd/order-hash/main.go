// order-hash prints the identity the venue assigns to an order, so clients can
// look up or cancel an order without submitting it first.
//
//	order-hash -side bid -amount 5 -price 100 -trader 0xAA...01 [-nonce 7]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
	"github.com/uhyunpark/l2book/pkg/crypto"
)

func main() {
	def := crypto.DefaultDomain()
	var (
		side    = flag.String("side", "", "bid or ask")
		amount  = flag.String("amount", "", "base amount")
		price   = flag.String("price", "", "quote price")
		trader  = flag.String("trader", "", "trader address (0x-hex)")
		nonce   = flag.String("nonce", "0", "uint256 nonce, decimal or 0x-hex")
		name    = flag.String("domain-name", def.Name, "EIP-712 domain name")
		version = flag.String("domain-version", def.Version, "EIP-712 domain version")
		asJSON  = flag.Bool("json", false, "print the order and hash as JSON")
	)
	flag.Parse()

	o, err := buildOrder(*side, *amount, *price, *trader, *nonce)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	hasher, err := crypto.NewHasher(crypto.DomainSeparator{Name: *name, Version: *version})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	hash, err := hasher.HashOrder(&o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing: %v\n", err)
		os.Exit(1)
	}

	if !*asJSON {
		fmt.Println(hash.Hex())
		return
	}
	out, _ := json.MarshalIndent(struct {
		Domain crypto.DomainSeparator `json:"domain"`
		Side   orderbook.Side         `json:"side"`
		Entry  orderbook.OrderEntry   `json:"entry"`
		Nonce  string                 `json:"nonce"`
	}{hasher.Domain(), o.Side, o.Entry(hash), new(big.Int).SetBytes(o.Nonce[:]).String()}, "", "  ")
	fmt.Println(string(out))
}

func buildOrder(side, amount, price, trader, nonce string) (orderbook.Order, error) {
	var o orderbook.Order
	s, err := orderbook.ParseSide(side)
	if err != nil {
		return o, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return o, fmt.Errorf("invalid amount %q", amount)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return o, fmt.Errorf("invalid price %q", price)
	}
	if !common.IsHexAddress(trader) {
		return o, fmt.Errorf("invalid trader address %q", trader)
	}
	n, ok := new(big.Int).SetString(nonce, 0)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return o, fmt.Errorf("invalid nonce %q", nonce)
	}
	o = orderbook.Order{Side: s, Amount: a, Price: p, Trader: common.HexToAddress(trader), Nonce: common.BigToHash(n)}
	return o, o.Validate()
}
