package node

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func (n *Node) reprovideLoop() {
	defer n.wg.Done()
	every := n.cfg.DHT.ReprovideEvery
	if every <= 0 {
		return
	}
	ticker := n.clock.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			count, err := n.Reprovide(n.ctx)
			if err != nil {
				n.log.Warn("reprovide incomplete", zap.Int("announced", count), zap.Error(err))
				continue
			}
			n.log.Info("reprovide finished", zap.Int("announced", count))
		}
	}
}

// Reprovide re-announces every pinned root and every CID announced through
// Provide or Add that is still stored. It returns the number of CIDs
// announced.
func (n *Node) Reprovide(ctx context.Context) (int, error) {
	pins, err := n.store.Pins(ctx)
	if err != nil {
		return 0, err
	}
	keys := make(map[cid.Cid]struct{}, len(pins))
	for _, p := range pins {
		keys[p.CID] = struct{}{}
	}

	n.provMu.Lock()
	provided := make([]cid.Cid, 0, len(n.provided))
	for c := range n.provided {
		provided = append(provided, c)
	}
	n.provMu.Unlock()
	for _, c := range provided {
		ok, err := n.store.Has(ctx, c)
		if err != nil {
			return 0, err
		}
		if !ok {
			n.provMu.Lock()
			delete(n.provided, c)
			n.provMu.Unlock()
			continue
		}
		keys[c] = struct{}{}
	}

	var errs error
	count := 0
	for c := range keys {
		if err := ctx.Err(); err != nil {
			return count, multierr.Append(errs, err)
		}
		if err := n.dht.Provide(ctx, c); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		count++
	}
	return count, errs
}
