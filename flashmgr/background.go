// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package flashmgr

import "github.com/bbnote/gostnvm/flash"

// BackgroundProcess advances the running operation. It is posted to the
// background runner and must not be called from interrupt context.
func (m *Manager) BackgroundProcess() {
	m.mu.Lock()

	if !m.busy {
		m.mu.Unlock()
		return
	}

	switch m.state {
	case stateNoWindow:
		m.mu.Unlock()

		// flash access may still be open (radio not started): go as far as
		// possible without asking for a window
		m.execute(true)

		m.mu.Lock()
		m.state = stateWindowed
		done := m.op.done()
		m.mu.Unlock()

		if done {
			m.complete(OperationComplete)
		} else {
			logger.Debug("flash access closed, continuing in time windows")
			m.runner.Post(m.BackgroundProcess)
		}

	case stateWindowed:
		if !m.windowGranted {
			if m.windowRequested {
				m.mu.Unlock()
				return
			}

			m.windowRequested = true
			d := m.cfg.WriteWindow
			if m.op.kind == opErase {
				d = m.cfg.EraseWindow
			}
			m.mu.Unlock()

			if err := m.windows.ReqWindow(d, m.windowStarted); err != nil {
				m.refused(err)
			}
			return
		}
		m.mu.Unlock()

		progressed := m.execute(false)

		if err := m.windows.RelWindow(); err != nil {
			logger.Debugf("time window release: %v", err)
		}

		m.mu.Lock()
		m.windowGranted = false
		m.windowRequested = false
		done := m.op.done()
		if progressed {
			m.idleWindows = 0
		}
		m.mu.Unlock()

		switch {
		case done:
			m.complete(OperationComplete)
		case progressed:
			m.runner.Post(m.BackgroundProcess)
		default:
			m.noProgress()
		}

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) windowStarted() {
	m.mu.Lock()
	if !m.busy || !m.windowRequested {
		m.mu.Unlock()
		return
	}
	m.windowGranted = true
	m.refusals = 0
	m.mu.Unlock()

	m.runner.Post(m.BackgroundProcess)
}

// execute runs flash driver calls for the current operation. Outside of a
// window it loops until the driver refuses; inside a window it programs all
// remaining quad-words or erases exactly one sector. It reports whether any
// call succeeded.
func (m *Manager) execute(unbounded bool) bool {
	op := &m.op
	progressed := false

	for !op.done() {
		var err error

		if op.kind == opWrite {
			err = m.dev.Write(op.dest, op.data[:flash.QuadWords])
			if err == nil {
				op.data = op.data[flash.QuadWords:]
				op.dest += flash.QuadWordSize
			}
		} else {
			err = m.dev.EraseSector(op.sector)
			if err == nil {
				op.sector++
				op.count--
			}
		}

		if err != nil {
			logger.Debugf("flash driver stopped: %v", err)
			break
		}

		progressed = true

		if op.kind == opErase && !unbounded {
			break
		}
	}

	return progressed
}

// refused handles a window request the synchronizer turned down. The next
// request waits RetryDelay; refusals are counted apart from unproductive
// windows and bounded by RequestRetries.
func (m *Manager) refused(err error) {
	m.mu.Lock()
	m.windowRequested = false
	m.refusals++
	failed := m.refusals > m.cfg.RequestRetries
	m.mu.Unlock()

	if failed {
		logger.Errorf("time window refused %d times in a row, giving up: %v", m.cfg.RequestRetries+1, err)
		m.complete(OperationFailed)
		return
	}

	logger.Debugf("time window request refused, retrying in %v: %v", m.cfg.RetryDelay, err)

	m.cfg.after(m.cfg.RetryDelay, func() {
		m.runner.Post(m.BackgroundProcess)
	})
}

func (m *Manager) noProgress() {
	m.mu.Lock()
	m.idleWindows++
	failed := m.idleWindows > m.cfg.WindowRetries
	m.mu.Unlock()

	if failed {
		logger.Errorf("flash operation made no progress in %d windows, giving up", m.cfg.WindowRetries+1)
		m.complete(OperationFailed)
		return
	}

	m.runner.Post(m.BackgroundProcess)
}

// complete frees the manager, reports status to the owner of the operation
// and then gives every waiting requester a chance while the manager stays
// free.
func (m *Manager) complete(status Status) {
	m.mu.Lock()
	node := m.op.node
	m.op = operation{}
	m.busy = false
	m.state = stateIdle
	m.windowRequested = false
	m.windowGranted = false
	m.mu.Unlock()

	logger.Debugf("flash operation %s", status)

	if node != nil && node.Callback != nil {
		node.Callback(status)
	}

	for {
		m.mu.Lock()
		if m.busy || len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		if next.Callback != nil {
			next.Callback(OperationAvailable)
		}
	}
}
