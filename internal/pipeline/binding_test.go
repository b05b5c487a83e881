package pipeline

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/edgeflow/meshgate/internal/radio"
)

func TestBindingLifecycleInstall(t *testing.T) {
	p, d := newTestPipeline()
	ctx := context.Background()

	p.EnqueueBinding(BindingTask{
		SrcExtAddr: 12, SrcEndpoint: 2,
		DstExtAddr: 8, DstEndpoint: 1,
		Cluster: ClusterLevel, Action: BindBind,
	})

	p.BindingTick(ctx, time.Now())
	sent := d.Sent()
	if len(sent) != 1 || sent[0].Cluster != zdpMgmtBindReq || sent[0].ProfileID != zdpProfile || sent[0].DstAddr != 12 {
		t.Fatalf("expected a Mgmt_Bind_req to the source device, got %+v", sent)
	}
	head := p.BindingQueue()[0]
	if head.State != BindingCheck {
		t.Fatalf("task should be in Check after the table read, got %d", head.State)
	}

	// Empty table: the bind must go out.
	p.HandleBindingTableResponse(ctx, 12, nil)
	if head.State != BindingInProgress {
		t.Fatalf("task should be InProgress after the Bind_req, got %d", head.State)
	}
	sent = d.Sent()
	if len(sent) != 2 || sent[1].Cluster != zdpBindReq {
		t.Fatalf("expected a Bind_req, got %+v", sent)
	}
	payload := sent[1].Payload
	if binary.LittleEndian.Uint64(payload[0:8]) != 12 || payload[8] != 2 {
		t.Fatalf("bind payload source mismatch: %v", payload)
	}
	if binary.LittleEndian.Uint16(payload[9:11]) != 0x0008 {
		t.Fatalf("bind payload should carry the Level cluster, got %v", payload[9:11])
	}
	if payload[11] != zdpDstModeExtAddr {
		t.Fatalf("unicast destination should use ext-addr mode, got %d", payload[11])
	}

	p.ConfirmBinding(radio.Confirm{RequestID: sent[1].ID, Status: radio.StatusSuccess})
	if head.State != BindingFinished {
		t.Fatalf("task should be Finished after a success confirm, got %d", head.State)
	}
	p.BindingTick(ctx, time.Now())
	if p.BindingQueueLen() != 0 {
		t.Fatal("a Finished task should leave the queue")
	}
}

func TestBindingCheckSkipsAlreadyInstalled(t *testing.T) {
	p, d := newTestPipeline()
	ctx := context.Background()

	p.EnqueueBinding(BindingTask{
		SrcExtAddr: 12, SrcEndpoint: 2,
		DstIsGroup: true, DstGroup: 3,
		Cluster: ClusterOnOff, Action: BindBind,
	})
	p.BindingTick(ctx, time.Now())

	installed := []BindingEntry{{
		SrcExtAddr: 12, SrcEndpoint: 2, Cluster: 0x0006,
		DstIsGroup: true, DstGroup: 3,
	}}
	p.HandleBindingTableResponse(ctx, 12, installed)

	if p.BindingQueue()[0].State != BindingFinished {
		t.Fatal("an already-installed binding should finish without a Bind_req")
	}
	if len(d.Sent()) != 1 {
		t.Fatalf("only the table read should have gone out, got %d sends", len(d.Sent()))
	}
}

func TestBindingUnbindRemovesInstalledEntry(t *testing.T) {
	p, d := newTestPipeline()
	ctx := context.Background()

	p.EnqueueBinding(BindingTask{
		SrcExtAddr: 12, SrcEndpoint: 2,
		DstExtAddr: 8, DstEndpoint: 1,
		Cluster: ClusterLevel, Action: BindUnbind,
	})
	p.BindingTick(ctx, time.Now())
	p.HandleBindingTableResponse(ctx, 12, []BindingEntry{{
		SrcExtAddr: 12, SrcEndpoint: 2, Cluster: 0x0008,
		DstExtAddr: 8, DstEndpoint: 1,
	}})

	sent := d.Sent()
	if len(sent) != 2 || sent[1].Cluster != zdpUnbindReq {
		t.Fatalf("expected an Unbind_req for the installed entry, got %+v", sent)
	}
}

func TestBindingFailedConfirmRetains(t *testing.T) {
	p, d := newTestPipeline()
	ctx := context.Background()

	p.EnqueueBinding(BindingTask{
		SrcExtAddr: 12, SrcEndpoint: 2,
		DstExtAddr: 8, DstEndpoint: 1,
		Cluster: ClusterOnOff, Action: BindUnbind,
	})
	p.BindingTick(ctx, time.Now())
	p.HandleBindingTableResponse(ctx, 12, []BindingEntry{{
		SrcExtAddr: 12, SrcEndpoint: 2, Cluster: 0x0006,
		DstExtAddr: 8, DstEndpoint: 1,
	}})

	sent := d.Sent()
	p.ConfirmBinding(radio.Confirm{RequestID: sent[1].ID, Status: radio.StatusNoAck})

	// Offline source: the unbind stays queued until confirmable
	// rather than being dropped.
	if p.BindingQueueLen() != 1 {
		t.Fatal("a failed unbind must be retained in the queue")
	}
	if p.BindingQueue()[0].State != BindingIdle {
		t.Fatal("a failed unbind should restart its lifecycle")
	}
}

func TestDecodeMgmtBindRspRoundTrip(t *testing.T) {
	var b []byte
	b = append(b, 0, 2, 0, 2) // status, table size, start index, count
	// entry 1: unicast destination
	b = binary.LittleEndian.AppendUint64(b, 12)
	b = append(b, 2)
	b = binary.LittleEndian.AppendUint16(b, 0x0008)
	b = append(b, zdpDstModeExtAddr)
	b = binary.LittleEndian.AppendUint64(b, 8)
	b = append(b, 1)
	// entry 2: group destination
	b = binary.LittleEndian.AppendUint64(b, 12)
	b = append(b, 2)
	b = binary.LittleEndian.AppendUint16(b, 0x0006)
	b = append(b, zdpDstModeGroup)
	b = binary.LittleEndian.AppendUint16(b, 3)

	entries := DecodeMgmtBindRsp(b)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].DstExtAddr != 8 || entries[0].DstEndpoint != 1 || entries[0].Cluster != 0x0008 {
		t.Fatalf("unicast entry mismatch: %+v", entries[0])
	}
	if !entries[1].DstIsGroup || entries[1].DstGroup != 3 || entries[1].Cluster != 0x0006 {
		t.Fatalf("group entry mismatch: %+v", entries[1])
	}
}
