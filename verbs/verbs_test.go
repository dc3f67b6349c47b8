package verbs_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rocketbitz/verbsbench/verbs"
	"github.com/rocketbitz/verbsbench/verbs/loopback"
)

func TestWCStatusNames(t *testing.T) {
	cases := map[verbs.WCStatus]string{
		verbs.WCSuccess:        "IBV_WC_SUCCESS",
		verbs.WCLocalLenErr:    "IBV_WC_LOC_LEN_ERR",
		verbs.WCWRFlushErr:     "IBV_WC_WR_FLUSH_ERR",
		verbs.WCRetryExcErr:    "IBV_WC_RETRY_EXC_ERR",
		verbs.WCRNRRetryExcErr: "IBV_WC_RNR_RETRY_EXC_ERR",
		verbs.WCGeneralErr:     "IBV_WC_GENERAL_ERR",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("status %d: got %q want %q", int(status), got, want)
		}
	}
	if got := verbs.WCStatus(99).String(); got != "IBV_WC_STATUS(99)" {
		t.Fatalf("unexpected name for unknown status: %q", got)
	}
	if got := verbs.WCStatus(99).Description(); got != "Unknown error" {
		t.Fatalf("unexpected description for unknown status: %q", got)
	}
	if !verbs.WCSuccess.OK() || verbs.WCFatalErr.OK() {
		t.Fatalf("OK reports wrong result")
	}
}

func TestCompletionErrorUnwrapsStatus(t *testing.T) {
	err := error(&verbs.CompletionError{Queue: "send", Status: verbs.WCRemoteAccessErr, WRID: 3, QPN: 0x42})
	if !errors.Is(err, verbs.WCRemoteAccessErr) {
		t.Fatalf("expected errors.Is to match the status")
	}
	if errors.Is(err, verbs.WCRetryExcErr) {
		t.Fatalf("unexpected match against another status")
	}
	msg := err.Error()
	if !strings.Contains(msg, "IBV_WC_REM_ACCESS_ERR") || !strings.Contains(msg, "0x00000042") {
		t.Fatalf("message does not name status and qp: %q", msg)
	}
	for _, part := range []string{"IBV_WC_REM_ACCESS_ERR", verbs.WCRemoteAccessErr.Description()} {
		if n := strings.Count(msg, part); n != 1 {
			t.Fatalf("%q appears %d times in %q", part, n, msg)
		}
	}
}

func TestValidateRTSAttr(t *testing.T) {
	if err := verbs.ValidateRTSAttr(verbs.DefaultRTSAttr()); err != nil {
		t.Fatalf("default attributes rejected: %v", err)
	}
	bad := []func(*verbs.QPAttr){
		func(a *verbs.QPAttr) { a.Timeout = 0 },
		func(a *verbs.QPAttr) { a.RNRRetry = 7 },
		func(a *verbs.QPAttr) { a.RetryCount = 8 },
	}
	for i, mutate := range bad {
		attr := verbs.DefaultRTSAttr()
		mutate(&attr)
		if err := verbs.ValidateRTSAttr(attr); !errors.Is(err, verbs.ErrUnboundedRetry) {
			t.Fatalf("case %d: expected ErrUnboundedRetry, got %v", i, err)
		}
	}
}

func TestDefaultAttributes(t *testing.T) {
	initAttr := verbs.DefaultInitAttr()
	if initAttr.PortNum != 1 || initAttr.PKeyIndex != 0 {
		t.Fatalf("unexpected init attributes: %+v", initAttr)
	}
	if !initAttr.Access.Has(verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead) {
		t.Fatalf("init access missing flags: %b", initAttr.Access)
	}
	rtr := verbs.DefaultRTRAttr(7, 0x1234)
	if rtr.PathMTU.Bytes() != 4096 || rtr.DestLID != 7 || rtr.DestQPN != 0x1234 || rtr.RQPSN != 0 || rtr.MinRNRTimer != 1 {
		t.Fatalf("unexpected rtr attributes: %+v", rtr)
	}
	rts := verbs.DefaultRTSAttr()
	if rts.Timeout != 1 || rts.RetryCount != 3 || rts.RNRRetry != 6 || rts.SQPSN != 0 {
		t.Fatalf("unexpected rts attributes: %+v", rts)
	}
}

func newQueuePair(t *testing.T, f *loopback.Fabric) *verbs.QueuePair {
	t.Helper()
	dev, err := verbs.OpenDevice(f.Provider(), "")
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	pd, err := verbs.AllocProtectionDomain(dev, "qp")
	if err != nil {
		t.Fatalf("AllocProtectionDomain: %v", err)
	}
	cq, err := verbs.CreateCompletionQueue(dev, 8)
	if err != nil {
		t.Fatalf("CreateCompletionQueue: %v", err)
	}
	qp, err := verbs.CreateQueuePair(pd, verbs.QPConfig{SendCQ: cq, RecvCQ: cq, Capacity: 8})
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	t.Cleanup(func() {
		_ = qp.Close()
		_ = cq.Close()
		_ = pd.Close()
		_ = dev.Close()
	})
	return qp
}

func TestQueuePairTransitionsInOrder(t *testing.T) {
	f := loopback.New()
	qp := newQueuePair(t, f)
	peer := newQueuePair(t, f)

	if qp.State() != verbs.QPStateInit {
		t.Fatalf("expected INIT after creation, got %s", qp.State())
	}

	err := qp.ToRTS(verbs.DefaultRTSAttr())
	var serr *verbs.StateError
	if !errors.As(err, &serr) || !errors.Is(err, verbs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if serr.From != verbs.QPStateInit || serr.To != verbs.QPStateRTS {
		t.Fatalf("unexpected transition in error: %s -> %s", serr.From, serr.To)
	}
	if qp.State() != verbs.QPStateInit {
		t.Fatalf("out-of-order request changed state to %s", qp.State())
	}

	if err := qp.ToRTR(verbs.DefaultRTRAttr(2, peer.QPN())); err != nil {
		t.Fatalf("ToRTR: %v", err)
	}
	attr := verbs.DefaultRTSAttr()
	attr.RNRRetry = 7
	if err := qp.ToRTS(attr); !errors.Is(err, verbs.ErrUnboundedRetry) {
		t.Fatalf("expected unbounded retry rejection, got %v", err)
	}
	if err := qp.ToRTS(verbs.DefaultRTSAttr()); err != nil {
		t.Fatalf("ToRTS: %v", err)
	}
	if qp.State() != verbs.QPStateRTS {
		t.Fatalf("expected RTS, got %s", qp.State())
	}
	if err := qp.ToInit(verbs.DefaultInitAttr()); !errors.Is(err, verbs.ErrInvalidTransition) {
		t.Fatalf("expected transitions to be one-directional, got %v", err)
	}
}

func TestPostRequiresState(t *testing.T) {
	f := loopback.New()
	qp := newQueuePair(t, f)

	err := qp.PostSend([]verbs.SendWR{{ID: 1}})
	if !errors.Is(err, verbs.ErrNotReady) {
		t.Fatalf("expected ErrNotReady before RTS, got %v", err)
	}
	if err := qp.PostRecv(nil); !errors.Is(err, verbs.ErrChainLength) {
		t.Fatalf("expected ErrChainLength for empty chain, got %v", err)
	}
}

func TestResourceErrorWrapsProviderFailure(t *testing.T) {
	f := loopback.New()
	boom := errors.New("no hugepages")
	f.FailNext(loopback.OpCreateCQ, boom)

	dev, err := verbs.OpenDevice(f.Provider(), "")
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	defer dev.Close()

	_, err = verbs.CreateCompletionQueue(dev, 16)
	var rerr *verbs.ResourceError
	if !errors.As(err, &rerr) || !errors.Is(err, boom) {
		t.Fatalf("expected ResourceError wrapping provider failure, got %v", err)
	}
	if !strings.Contains(rerr.Resource, "completion queue") {
		t.Fatalf("unexpected resource name %q", rerr.Resource)
	}
}

func TestRegionIDsAreUnique(t *testing.T) {
	var ids verbs.RegionIDs
	seen := make(map[uint64]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := ids.Next()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Fatalf("expected 800 unique ids, got %d", len(seen))
	}
	if _, ok := seen[0]; ok {
		t.Fatalf("id 0 must never be issued")
	}
}

func TestHardwareProviderStub(t *testing.T) {
	if verbs.HardwareAvailable {
		t.Skip("built with the hardware provider")
	}
	if _, err := verbs.NewHardwareProvider(); !errors.Is(err, verbs.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := verbs.OpenDevice(nil, ""); !errors.Is(err, verbs.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable for nil provider, got %v", err)
	}
}
