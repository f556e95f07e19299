package transfer

import (
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/cfdprx/internal/fault"
	"github.com/sheerbytes/cfdprx/internal/retry"
	"github.com/sheerbytes/cfdprx/internal/segments"
	"github.com/sheerbytes/cfdprx/internal/taskq"
	"github.com/sheerbytes/cfdprx/pkg/pdu"
)

// Metadata keys attached to persisted objects.
const (
	MetaMissingSegments = "missingSegments"
	MetaChecksumError   = "checksumError"
)

// IncomingConfig holds everything NewIncoming needs.
type IncomingConfig struct {
	ID       uint64
	Header   pdu.Header // header of the first PDU seen for the transaction
	Executor taskq.Executor
	Options  Options
	Sender   Sender
	Writer   ObjectWriter
	Events   EventSink
	Monitor  Monitor
	Logger   *slog.Logger
}

// Incoming receives one file. All fields below the config block are owned by the executor.
type Incoming struct {
	id           uint64
	txid         pdu.TransactionID
	acknowledged bool
	reply        pdu.Header
	exec         taskq.Executor
	opts         Options
	sender       Sender
	writer       ObjectWriter
	events       EventSink
	monitor      Monitor
	logger       *slog.Logger
	startTime    time.Time

	phase         Phase
	state         State
	suspended     bool
	needsFinish   bool
	code          pdu.ConditionCode
	failureReason string

	store        *segments.Store
	receivedSize int64
	totalSize    int64
	metadata     *pdu.Metadata
	eof          *pdu.EOF
	fin          *pdu.Finished
	finReason    string
	objectName   string

	checksumFailed bool
	saved          bool

	inactivity     taskq.Timer
	nakTimer       taskq.Timer
	nakCount       int
	lastNakDataLen int64
	finTimer       *retry.Timer
	checkTimer     *retry.Timer

	info atomic.Pointer[Info]
}

var _ Transfer = (*Incoming)(nil)

// NewIncoming creates the transfer and arms its inactivity timer. The first PDU
// must still be delivered with ProcessPDU.
func NewIncoming(cfg IncomingConfig) *Incoming {
	opts := NormalizeOptions(cfg.Options)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	txid := cfg.Header.TransactionID()
	t := &Incoming{
		id:           cfg.ID,
		txid:         txid,
		acknowledged: cfg.Header.Acknowledged,
		reply:        cfg.Header.Reply(),
		exec:         cfg.Executor,
		opts:         opts,
		sender:       cfg.Sender,
		writer:       cfg.Writer,
		events:       cfg.Events,
		monitor:      cfg.Monitor,
		logger:       logger.With("txid", txid.String(), "id", cfg.ID),
		startTime:    cfg.Executor.Now(),
		state:        StateRunning,
		needsFinish:  cfg.Header.Acknowledged,
		store:        segments.NewStore(segments.UnknownSize),
		totalSize:    segments.UnknownSize,
	}
	t.finTimer = retry.New(t.exec, opts.FinAckLimit, opts.FinAckTimeout)
	if !t.acknowledged {
		t.checkTimer = retry.New(t.exec, opts.CheckAckLimit, opts.CheckAckTimeout)
	}
	snap := t.snapshot()
	t.info.Store(&snap)
	t.exec.Execute(func() {
		t.rescheduleInactivity()
		t.publish()
	})
	return t
}

func (t *Incoming) ID() uint64                       { return t.id }
func (t *Incoming) TransactionID() pdu.TransactionID { return t.txid }

// Info returns the latest published snapshot. Safe for concurrent use.
func (t *Incoming) Info() Info {
	return *t.info.Load()
}

// ProcessPDU queues an inbound PDU for this transaction.
func (t *Incoming) ProcessPDU(p pdu.PDU) {
	t.exec.Execute(func() { t.handle(p) })
}

// Suspend queues a user suspend request.
func (t *Incoming) Suspend() {
	t.exec.Execute(t.suspend)
}

// Resume queues a user resume request.
func (t *Incoming) Resume() {
	t.exec.Execute(t.resume)
}

// Cancel queues a user cancel request.
func (t *Incoming) Cancel() {
	t.exec.Execute(func() { t.cancel(pdu.CancelRequestReceived) })
}

func (t *Incoming) handle(p pdu.PDU) {
	if t.phase == PhaseCompleted {
		t.logger.Debug("ignoring PDU, transfer completed", "pdu", p)
		return
	}
	t.logger.Debug("received PDU", "pdu", p)
	if t.phase == PhaseReceiving && !t.suspended {
		t.rescheduleInactivity()
	}

	switch v := p.(type) {
	case *pdu.Metadata:
		t.processMetadata(v)
	case *pdu.FileData:
		t.processFileData(v)
	case *pdu.EOF:
		t.processEOF(v)
	case *pdu.Ack:
		t.processAck(v)
	default:
		t.logger.Info("unexpected PDU", "pdu", p)
	}
}

func (t *Incoming) processMetadata(m *pdu.Metadata) {
	if t.metadata != nil || t.phase != PhaseReceiving {
		t.logger.Debug("ignoring metadata", "pdu", m)
		return
	}
	if m.ChecksumType != pdu.ChecksumModular {
		t.logger.Warn("unsupported checksum type", "checksumType", m.ChecksumType)
		t.handleFault(pdu.UnsupportedChecksumType)
		return
	}
	if m.FileSize > uint64(t.opts.MaxFileSize) {
		t.logger.Warn("declared file size exceeds maximum", "size", m.FileSize, "max", t.opts.MaxFileSize)
		t.handleFault(pdu.FileSizeError)
		return
	}
	if err := t.store.SetSize(int64(m.FileSize)); err != nil {
		t.logger.Warn("declared file size conflicts with received data", "size", m.FileSize, "endOffset", t.store.EndOffset())
		t.handleFault(pdu.FileSizeError)
		return
	}
	t.metadata = m
	t.totalSize = int64(m.FileSize)
	t.needsFinish = t.acknowledged || m.ClosureRequested
	t.objectName = objectName(m.DestinationFilename, t.startTime)

	if t.events != nil {
		t.events.Info(EventTransferMeta, fmt.Sprintf("CFDP downlink %s %s", t.txid, m))
	}
	t.publish()
	t.checkComplete()
}

func (t *Incoming) processFileData(fd *pdu.FileData) {
	if t.phase != PhaseReceiving {
		t.logger.Debug("ignoring file data", "pdu", fd)
		return
	}
	if fd.Offset > uint64(math.MaxInt64-int64(len(fd.Data))) {
		t.logger.Warn("file data offset out of range", "offset", fd.Offset)
		t.handleFault(pdu.FileSizeError)
		return
	}
	end := int64(fd.Offset) + int64(len(fd.Data))
	if size := t.store.Size(); size != segments.UnknownSize {
		if end > size {
			t.logger.Warn("file data ends past the file size", "endOffset", end, "size", size)
			t.handleFault(pdu.FileSizeError)
			return
		}
	} else if end > t.opts.MaxFileSize {
		t.logger.Warn("file data ends past the maximum file size", "endOffset", end, "max", t.opts.MaxFileSize)
		t.handleFault(pdu.FilestoreRejection)
		return
	}

	t.store.AddSegment(int64(fd.Offset), fd.Data)
	t.receivedSize = t.store.ReceivedSize()
	t.checksumFailed = false
	t.publish()
	t.checkComplete()
}

func (t *Incoming) processEOF(eof *pdu.EOF) {
	if t.acknowledged {
		t.send(&pdu.Ack{
			Header:            t.reply,
			Directive:         pdu.DirectiveEOF,
			ConditionCode:     eof.ConditionCode,
			TransactionStatus: pdu.TransactionActive,
		})
	}
	if t.eof != nil || t.phase != PhaseReceiving {
		t.logger.Debug("ignoring EOF", "pdu", eof)
		return
	}
	t.eof = eof

	switch eof.ConditionCode {
	case pdu.NoError:
		t.checkComplete()
	case pdu.CancelRequestReceived:
		t.complete(pdu.CancelRequestReceived, "Canceled by the Sender")
	default:
		t.logger.Warn("EOF indicates error", "code", eof.ConditionCode)
		t.handleFault(eof.ConditionCode)
	}

	if !t.acknowledged && t.phase == PhaseReceiving && !t.suspended {
		t.startCheckTimer()
	}
}

func (t *Incoming) processAck(ack *pdu.Ack) {
	if t.phase != PhaseFinishing || ack.Directive != pdu.DirectiveFinished {
		t.logger.Warn("ignoring unexpected ACK", "pdu", ack, "phase", t.phase)
		return
	}
	t.finTimer.Cancel()
	t.complete(t.fin.ConditionCode, t.finReason)
}

func (t *Incoming) startCheckTimer() {
	t.checkTimer.Start(t.checkComplete, func() {
		t.logger.Warn("check limit reached")
		t.handleFault(pdu.CheckLimitReached)
	})
}

func (t *Incoming) checkComplete() {
	if t.phase != PhaseReceiving {
		return
	}
	if t.eof != nil && t.store.IsComplete() {
		if !t.checksumFailed {
			t.onFileCompleted()
		}
		return
	}
	if t.acknowledged {
		t.requestNak()
	}
}

func (t *Incoming) onFileCompleted() {
	expected, got := t.eof.Checksum, t.store.Checksum()
	if expected != got {
		t.logger.Warn("file checksum failure", "expected", fmt.Sprintf("%#08x", expected), "computed", fmt.Sprintf("%#08x", got))
		t.checksumFailed = true
		t.save(true, nil)
		t.handleFault(pdu.FileChecksumFailure)
		return
	}
	t.logger.Info("file completed, checksum OK", "size", t.store.Size())
	t.save(false, nil)
	if t.needsFinish {
		t.finish(pdu.NoError, "")
	} else {
		t.complete(pdu.NoError, "")
	}
}

// requestNak arms the NAK pacing timer unless a cycle is already pending.
func (t *Incoming) requestNak() {
	if t.phase != PhaseReceiving || t.suspended || !t.acknowledged {
		return
	}
	if t.eof == nil && !t.opts.ImmediateNak {
		return
	}
	if t.nakTimer != nil {
		return
	}
	t.nakTimer = t.exec.Schedule(t.opts.NakTimeout, t.onNakTimer)
}

func (t *Incoming) onNakTimer() {
	t.nakTimer = nil
	if t.phase != PhaseReceiving || t.suspended {
		return
	}
	if t.sendNak() {
		t.requestNak()
	}
}

func (t *Incoming) sendNak() bool {
	gaps := t.store.MissingChunks(t.eof != nil && t.metadata != nil)
	reqs := make([]pdu.SegmentRequest, 0, len(gaps)+1)
	if t.metadata == nil {
		reqs = append(reqs, pdu.SegmentRequest{})
	}
	for _, g := range gaps {
		reqs = append(reqs, pdu.SegmentRequest{Start: uint64(g.Start), End: uint64(g.End)})
	}
	if len(reqs) == 0 {
		return false
	}

	if size := t.store.ReceivedSize(); size > t.lastNakDataLen {
		t.lastNakDataLen = size
		t.nakCount = 0
	}
	t.nakCount++
	if t.opts.NakLimit > 0 && t.nakCount > t.opts.NakLimit {
		t.logger.Warn("NAK limit reached", "limit", t.opts.NakLimit)
		t.handleFault(pdu.NakLimitReached)
		return false
	}

	t.send(&pdu.Nak{
		Header:       t.reply,
		StartOfScope: reqs[0].Start,
		EndOfScope:   reqs[len(reqs)-1].End,
		Segments:     reqs,
	})
	return true
}

func (t *Incoming) finish(code pdu.ConditionCode, reason string) {
	if t.phase != PhaseReceiving {
		return
	}
	t.logger.Debug("finishing", "code", code)
	t.stopReceivingTimers()

	t.fin = &pdu.Finished{
		Header:        t.reply,
		ConditionCode: code,
		DataComplete:  code == pdu.NoError,
		FileStatus:    pdu.FileDiscardedDeliberately,
	}
	if code == pdu.NoError {
		t.fin.FileStatus = pdu.FileRetained
	}
	t.finReason = reason
	t.phase = PhaseFinishing

	if !t.acknowledged {
		// unacknowledged closure: the Finished PDU is not acknowledged
		t.send(t.fin)
		t.complete(code, reason)
		return
	}
	t.sendFin()
	t.publish()
}

func (t *Incoming) sendFin() {
	t.send(t.fin)
	if t.suspended {
		return
	}
	t.finTimer.Start(func() { t.send(t.fin) }, t.onFinLimitReached)
}

func (t *Incoming) onFinLimitReached() {
	if t.events != nil {
		t.events.Warn(EventFinLimitReached,
			fmt.Sprintf("TXID%s: resend attempts (%d) of Finished PDU reached", t.txid, t.opts.FinAckLimit))
	}
	reason := "File was received OK but the Finished PDU has not been acknowledged"
	if t.fin.ConditionCode != pdu.NoError {
		reason = t.finReason + " and in addition the Finished PDU has not been acknowledged"
	}
	t.complete(pdu.AckLimitReached, reason)
}

func (t *Incoming) complete(code pdu.ConditionCode, reason string) {
	if t.phase == PhaseCompleted {
		return
	}
	t.phase = PhaseCompleted
	t.stopReceivingTimers()
	t.finTimer.Cancel()
	t.code = code

	if code == pdu.NoError {
		t.state = StateCompleted
		t.logger.Info("transfer completed")
	} else {
		t.state = StateFailed
		if reason == "" {
			reason = code.String()
		}
		t.failureReason = reason
		t.logger.Warn("transfer failed", "code", code, "reason", reason)
		if t.opts.KeepIncomplete && !t.saved && t.metadata != nil && t.store.ReceivedSize() > 0 {
			t.save(false, t.store.MissingChunks(true))
		}
	}
	t.receivedSize = t.store.ReceivedSize()
	t.store = nil
	t.publish()
}

// handleFault routes a condition through the fault policy.
func (t *Incoming) handleFault(code pdu.ConditionCode) {
	switch t.phase {
	case PhaseReceiving:
		action := t.opts.FaultPolicy.Action(code)
		t.logger.Warn("fault", "code", code, "action", action)
		switch action {
		case fault.Abandon:
			t.complete(code, "")
		case fault.Cancel:
			t.cancel(code)
		case fault.Suspend:
			t.suspend()
		}
	case PhaseFinishing:
		t.logger.Warn("fault while finishing", "code", code)
		t.complete(code, "")
	case PhaseCompleted:
	}
}

func (t *Incoming) cancel(code pdu.ConditionCode) {
	if t.phase != PhaseReceiving {
		t.logger.Debug("ignoring cancel", "phase", t.phase)
		return
	}
	t.logger.Info("canceling transfer", "code", code)
	if t.needsFinish {
		t.finish(code, code.String())
	} else {
		t.complete(code, "")
	}
}

func (t *Incoming) suspend() {
	if t.phase == PhaseCompleted {
		t.logger.Info("transfer finished, suspend ignored")
		return
	}
	if t.suspended {
		return
	}
	t.logger.Info("suspending transfer")
	t.suspended = true
	t.state = StatePaused
	t.stopReceivingTimers()
	t.finTimer.Cancel()
	t.publish()
}

func (t *Incoming) resume() {
	if !t.suspended {
		t.logger.Info("resume called while not suspended, ignoring")
		return
	}
	if t.phase == PhaseCompleted {
		t.logger.Info("transfer finished, resume ignored")
		return
	}
	t.logger.Info("resuming transfer")
	t.suspended = false
	t.state = StateRunning

	switch t.phase {
	case PhaseReceiving:
		t.nakCount = 0
		t.rescheduleInactivity()
		if !t.acknowledged && t.eof != nil {
			t.startCheckTimer()
		}
		t.checkComplete()
	case PhaseFinishing:
		t.sendFin()
	}
	if t.phase != PhaseCompleted {
		t.publish()
	}
}

func (t *Incoming) rescheduleInactivity() {
	if t.inactivity != nil {
		t.inactivity.Stop()
	}
	t.inactivity = t.exec.Schedule(t.opts.InactivityTimeout, func() {
		t.inactivity = nil
		if t.phase != PhaseReceiving {
			return
		}
		t.logger.Warn("inactivity timer expired")
		t.handleFault(pdu.InactivityDetected)
	})
}

func (t *Incoming) stopReceivingTimers() {
	if t.inactivity != nil {
		t.inactivity.Stop()
		t.inactivity = nil
	}
	if t.nakTimer != nil {
		t.nakTimer.Stop()
		t.nakTimer = nil
	}
	if t.checkTimer != nil {
		t.checkTimer.Cancel()
	}
}

func (t *Incoming) send(p pdu.PDU) {
	t.logger.Debug("sending PDU", "pdu", p)
	if t.sender != nil {
		t.sender.Send(p)
	}
}

func (t *Incoming) save(checksumError bool, missing []segments.Range) {
	if t.writer == nil {
		return
	}
	t.saved = true
	name := t.objectName
	if name == "" {
		name = objectName("", t.startTime)
	}
	meta := map[string]string{}
	if len(missing) > 0 {
		parts := make([]string, len(missing))
		for i, r := range missing {
			parts[i] = r.String()
		}
		meta[MetaMissingSegments] = strings.Join(parts, " ")
	}
	if checksumError {
		meta[MetaChecksumError] = "true"
	}

	t.writer.Put(name, t.store.Data(), meta, func(err error) {
		if err == nil {
			t.logger.Info("file saved", "bucket", t.writer.BucketName(), "object", name)
			return
		}
		t.exec.Execute(func() { t.onSaveFailed(name, err) })
	})
}

// onSaveFailed makes a storage failure fatal for the transfer.
func (t *Incoming) onSaveFailed(name string, err error) {
	reason := fmt.Sprintf("failed to store %s: %v", name, err)
	t.logger.Error("storing file failed", "object", name, "err", err)
	switch t.phase {
	case PhaseReceiving:
		if t.needsFinish {
			t.finish(pdu.FilestoreRejection, reason)
		} else {
			t.complete(pdu.FilestoreRejection, reason)
		}
	case PhaseFinishing:
		t.finTimer.Cancel()
		t.complete(pdu.FilestoreRejection, reason)
	case PhaseCompleted:
		if t.state == StateCompleted {
			t.state = StateFailed
			t.code = pdu.FilestoreRejection
			t.failureReason = reason
		} else {
			t.failureReason += "; " + reason
		}
		t.publish()
	}
}

func (t *Incoming) snapshot() Info {
	info := Info{
		ID:            t.id,
		TransactionID: t.txid,
		Acknowledged:  t.acknowledged,
		State:         t.state,
		Phase:         t.phase,
		ObjectName:    t.objectName,
		TotalSize:     t.totalSize,
		ReceivedSize:  t.receivedSize,
		ConditionCode: t.code,
		FailureReason: t.failureReason,
		StartTime:     t.startTime,
		UpdateTime:    t.exec.Now(),
	}
	if t.writer != nil {
		info.Bucket = t.writer.BucketName()
	}
	if t.metadata != nil {
		info.SourceFilename = t.metadata.SourceFilename
	}
	return info
}

func (t *Incoming) publish() {
	snap := t.snapshot()
	t.info.Store(&snap)
	if t.monitor != nil {
		t.monitor.StateChanged(snap)
	}
}

// objectName uses the base of the destination filename, or a name derived from the start time.
func objectName(destination string, start time.Time) string {
	if destination != "" {
		base := path.Base(strings.ReplaceAll(destination, "\\", "/"))
		if base != "." && base != "/" && base != ".." {
			return base
		}
	}
	return "received_" + start.Format("2006_01_02_15_04_05")
}
