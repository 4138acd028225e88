package payments

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Decoded carries the fields of a BOLT11 invoice the protocol engine needs.
type Decoded struct {
	PaymentHash lntypes.Hash
	AmountMsat  int64
	Description string
	Expiry      time.Duration
}

// DecodeInvoice parses a BOLT11 invoice string against the given network.
// Malformed invoices are reported as *ParseError.
func DecodeInvoice(invoice string, net *chaincfg.Params) (*Decoded, error) {
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	inv, err := zpay32.Decode(invoice, net)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	d := &Decoded{Expiry: inv.Expiry()}
	if inv.PaymentHash != nil {
		hash, err := lntypes.MakeHash(inv.PaymentHash[:])
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		d.PaymentHash = hash
	}
	if inv.MilliSat != nil {
		d.AmountMsat = int64(*inv.MilliSat)
	}
	if inv.Description != nil {
		d.Description = *inv.Description
	}
	return d, nil
}
