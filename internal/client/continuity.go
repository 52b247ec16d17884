package client

import (
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"github.com/muurk/qlink/internal/continuity"
	"github.com/muurk/qlink/internal/logging"
)

// loadContinuity reads both snapshot files of the registered instrument.
// Unusable files are discarded with a warning and the session starts
// fresh; store failures disable continuity for the session.
func (c *Context) loadContinuity() {
	if c.store == nil {
		return
	}
	serial := c.w.reg.Serial
	c.w.live = c.loadSnapshot(continuity.LiveFile)
	c.w.logs = c.loadSnapshot(continuity.LoggingFile)
	if c.w.live != nil {
		c.w.lastGood = c.w.live.LastGood
		c.w.dataSeq = c.w.live.DataSeq
		logging.Info("Continuity loaded",
			zap.Int("channels", len(c.w.live.Channels)),
			zap.Time("last_good", c.w.lastGood),
			zap.Uint64("serial", serial),
		)
	}
}

func (c *Context) loadSnapshot(file string) *continuity.Snapshot {
	if c.w.media {
		return nil
	}
	name := continuity.FileName(c.w.reg.Serial, file)
	data, err := c.store.Load(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		c.w.media = true
		c.message("continuity unavailable", NewMediaError("load "+name, err))
		return nil
	}

	snap, err := continuity.Unmarshal(data)
	if err == nil && snap.Serial != c.w.reg.Serial {
		err = errors.New("snapshot belongs to another instrument")
	}
	if err != nil {
		c.message("continuity discarded, starting fresh", NewContinuityError(name, err))
		if err := c.store.Remove(name); err != nil {
			logging.Warn("Failed to remove continuity file", zap.String("file", name), zap.Error(err))
		}
		return nil
	}
	return snap
}

// saveContinuity snapshots the channel table and writes both files.
func (c *Context) saveContinuity() {
	t := c.w.table
	if t == nil {
		return
	}
	now := c.now()
	c.w.live = &continuity.Snapshot{
		Serial:   c.w.reg.Serial,
		Saved:    now,
		LastGood: c.w.lastGood,
		DataSeq:  c.w.dataSeq,
		Channels: t.Snapshot(),
	}
	c.w.logs = &continuity.Snapshot{
		Serial:   c.w.reg.Serial,
		Saved:    now,
		LastGood: c.w.lastGood,
		DataSeq:  c.w.dataSeq,
		Channels: t.LogSnapshot(),
	}
	if c.store == nil || c.w.media {
		return
	}

	files := []struct {
		file string
		snap *continuity.Snapshot
	}{
		{continuity.LiveFile, c.w.live},
		{continuity.LoggingFile, c.w.logs},
	}
	for _, f := range files {
		name := continuity.FileName(c.w.reg.Serial, f.file)
		if err := c.store.Save(name, continuity.Marshal(f.snap)); err != nil {
			c.w.media = true
			c.message("continuity unavailable", NewMediaError("save "+name, err))
			return
		}
	}
	logging.Debug("Continuity saved", zap.Int("channels", len(c.w.live.Channels)))
}
