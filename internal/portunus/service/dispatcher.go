package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

const defaultDispatchWorkers = 8

// Dispatcher routes raw card reads from a scan source to the scan
// service (verify mode) or the provisioner (provision mode).
//
// Scans for different cards are handled concurrently, up to Workers at a
// time. Scans of the same card in provision mode are serialized by the
// provisioner's locker.
type Dispatcher struct {
	scans       *ScanService
	provisioner *Provisioner
	logger      *zap.Logger
	workers     int
}

func NewDispatcher(scans *ScanService, provisioner *Provisioner, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = defaultDispatchWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		scans:       scans,
		provisioner: provisioner,
		logger:      logger.With(zap.String("component", "dispatcher")),
		workers:     workers,
	}
}

// Run consumes in until it is closed or ctx is done, then waits for the
// scans already started.
func (d *Dispatcher) Run(ctx context.Context, in <-chan types.RawScan) {
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				_ = d.Handle(ctx, raw)
			}()
		}
	}
}

// Handle processes one raw scan synchronously.
func (d *Dispatcher) Handle(ctx context.Context, raw types.RawScan) error {
	switch raw.Mode {
	case types.ModeProvision:
		if d.provisioner == nil {
			return errors.New("provisioning is not enabled")
		}
		sess, err := d.provisioner.HandleScan(ctx, raw.CardID)
		if err != nil {
			d.logger.Warn("provisioning scan failed",
				zap.String("card_id", raw.CardID),
				zap.String("reader_id", raw.ReaderID),
				zap.String("state", string(sess.State)),
				zap.Error(err))
		}
		return err

	case types.ModeVerify, "":
		rec, err := d.scans.Record(ctx, ScanRequest{
			CardID:    raw.CardID,
			EventID:   raw.EventID,
			Result:    raw.Result,
			Operator:  raw.Operator,
			Attendee:  raw.Attendee,
			Notes:     raw.Notes,
			ScannedAt: raw.ScannedAt,
		})
		if err != nil {
			d.logger.Warn("verification scan not confirmed",
				zap.String("card_id", raw.CardID),
				zap.String("reader_id", raw.ReaderID),
				zap.String("identity", rec.Identity()),
				zap.Error(err))
		}
		return err

	default:
		d.logger.Warn("scan with unknown mode dropped",
			zap.String("card_id", raw.CardID),
			zap.String("mode", string(raw.Mode)))
		return errors.New("unknown scan mode " + string(raw.Mode))
	}
}
