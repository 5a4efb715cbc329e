package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"loom/pkg/protocol"
)

// CreateSnapshot captures the worker's state, journals a CreateSnapshot
// entry pointing at the blob, and drops the superseded journal prefix.
// The component must export a snapshot function. Runs exclusively with
// invocation processing.
func (c *Context) CreateSnapshot(ctx context.Context) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	instance := c.instance
	status := c.status
	c.mu.Unlock()
	if status.Terminal() {
		return &protocol.WorkerUnavailableError{Worker: c.id, Status: status}
	}
	snap, ok := instance.(Snapshotter)
	if !ok {
		return fmt.Errorf("worker %s: component has no snapshot export", c.id)
	}

	state, err := snap.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot worker %s: %w", c.id, err)
	}

	sum := sha256.Sum256(state)
	path := c.id.String() + "/" + hex.EncodeToString(sum[:])
	if err := c.blobs.Put(ctx, SnapshotNamespace, path, state); err != nil {
		return fmt.Errorf("store snapshot %s: %w", c.id, err)
	}

	entry := protocol.NewMarkerEntry(protocol.EntryCreateSnapshot)
	entry.Snapshot = &protocol.BlobRef{Namespace: SnapshotNamespace, Path: path, Size: int64(len(state))}
	idx, err := c.log.Append(ctx, c.id, entry)
	if err != nil {
		return c.failOnStorage(err)
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		return c.failOnStorage(err)
	}

	// history before the snapshot is superseded; trimming it is an
	// optimization, a failure here never breaks replay
	if idx > protocol.FirstOplogIndex {
		if err := c.log.DropPrefix(ctx, c.id, idx-1); err != nil {
			c.logger.Warn("snapshot compaction skipped", "worker", c.id.String(), "error", err)
		}
	}

	c.logger.Info("worker snapshot created", "worker", c.id.String(), "index", idx, "bytes", len(state))
	return nil
}

// Update migrates the worker to a new component version. Automatic mode
// journals the markers and re-instantiates under the new version by
// replaying the existing journal; snapshot-based mode hands the worker's
// own snapshot to the new version. On failure the worker stays on its old
// version with a FailedUpdate entry recorded.
func (c *Context) Update(ctx context.Context, targetVersion uint64, mode protocol.UpdateMode) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	status := c.status
	current := c.version
	c.mu.Unlock()
	if status.Terminal() {
		return &protocol.WorkerUnavailableError{Worker: c.id, Status: status}
	}
	if targetVersion == current {
		return fmt.Errorf("worker %s already at version %d", c.id, targetVersion)
	}

	pending := protocol.NewMarkerEntry(protocol.EntryPendingUpdate)
	pending.TargetVersion = targetVersion
	pending.UpdateMode = mode
	if _, err := c.log.Append(ctx, c.id, pending); err != nil {
		return c.failOnStorage(err)
	}

	err := c.applyUpdate(ctx, targetVersion, mode)
	if err != nil {
		failed := protocol.NewMarkerEntry(protocol.EntryFailedUpdate)
		failed.TargetVersion = targetVersion
		failed.UpdateDetails = err.Error()
		if _, appendErr := c.log.Append(ctx, c.id, failed); appendErr != nil {
			return c.failOnStorage(appendErr)
		}
		if commitErr := c.log.Commit(ctx, c.id); commitErr != nil {
			return c.failOnStorage(commitErr)
		}
		c.logger.Warn("worker update failed", "worker", c.id.String(),
			"target_version", targetVersion, "error", err)
		return fmt.Errorf("update worker %s to version %d: %w", c.id, targetVersion, err)
	}

	succeeded := protocol.NewMarkerEntry(protocol.EntrySuccessfulUpdate)
	succeeded.TargetVersion = targetVersion
	if _, err := c.log.Append(ctx, c.id, succeeded); err != nil {
		return c.failOnStorage(err)
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		return c.failOnStorage(err)
	}

	c.mu.Lock()
	c.version = targetVersion
	c.mu.Unlock()
	c.logger.Info("worker updated", "worker", c.id.String(), "version", targetVersion)
	return nil
}

func (c *Context) applyUpdate(ctx context.Context, targetVersion uint64, mode protocol.UpdateMode) error {
	comp, err := c.components.Get(ctx, c.id.Component, targetVersion)
	if err != nil {
		return err
	}

	switch mode {
	case protocol.UpdateAutomatic:
		c.mu.Lock()
		old := c.instance
		c.instance = nil
		c.mu.Unlock()

		fresh, err := c.engine.Instantiate(ctx, comp, c.interceptor)
		if err != nil {
			c.mu.Lock()
			c.instance = old
			c.mu.Unlock()
			return err
		}

		entries, err := c.log.Read(ctx, c.id, protocol.FirstOplogIndex, protocol.OplogIndex(1)<<62)
		if err != nil {
			c.mu.Lock()
			c.instance = old
			c.mu.Unlock()
			_ = fresh.Close(ctx)
			return err
		}
		c.mu.Lock()
		c.instance = fresh
		c.mu.Unlock()
		c.interceptor.StartReplay(entries)
		if err := c.replayCompleted(ctx, entries); err != nil {
			c.mu.Lock()
			c.instance = old
			c.mu.Unlock()
			_ = fresh.Close(ctx)
			return err
		}
		if old != nil {
			_ = old.Close(ctx)
		}
		return nil

	case protocol.UpdateSnapshotBased:
		c.mu.Lock()
		old := c.instance
		c.mu.Unlock()
		snap, ok := old.(Snapshotter)
		if !ok {
			return fmt.Errorf("component has no snapshot export")
		}
		state, err := snap.Snapshot(ctx)
		if err != nil {
			return err
		}

		fresh, err := c.engine.Instantiate(ctx, comp, c.interceptor)
		if err != nil {
			return err
		}
		restorer, ok := fresh.(Snapshotter)
		if !ok {
			_ = fresh.Close(ctx)
			return fmt.Errorf("target version has no snapshot restore export")
		}
		if err := restorer.Restore(ctx, state); err != nil {
			_ = fresh.Close(ctx)
			return err
		}

		c.mu.Lock()
		c.instance = fresh
		c.mu.Unlock()
		_ = old.Close(ctx)
		return nil

	default:
		return fmt.Errorf("unknown update mode %q", mode)
	}
}

// ChangeRetryPolicy journals a new retry policy taking effect for
// subsequent invocations; replay applies it at the same position.
func (c *Context) ChangeRetryPolicy(ctx context.Context, policy protocol.RetryConfig) error {
	entry := protocol.NewMarkerEntry(protocol.EntryChangeRetryPolicy)
	entry.RetryPolicy = &policy
	if _, err := c.log.Append(ctx, c.id, entry); err != nil {
		return c.failOnStorage(err)
	}
	if err := c.log.Commit(ctx, c.id); err != nil {
		return c.failOnStorage(err)
	}
	c.mu.Lock()
	c.retry = policy
	c.mu.Unlock()
	return nil
}
