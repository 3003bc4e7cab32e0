package toolwire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPendingTableRegisterAssignsSequentialIDs(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	id1, _ := table.register("get_article")
	id2, _ := table.register("list_articles")
	id3, _ := table.register("get_article")

	if id1 != "req_1" || id2 != "req_2" || id3 != "req_3" {
		t.Errorf("ids = %q, %q, %q, want req_1, req_2, req_3", id1, id2, id3)
	}
	if table.size() != 3 {
		t.Errorf("size = %d, want 3", table.size())
	}
}

func TestPendingTableRespondSuccess(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	id, out := table.register("get_article")
	if !table.respond(id, true, json.RawMessage(`{"id":42}`), "") {
		t.Fatal("respond reported unknown id")
	}

	outcome := <-out
	if outcome.err != nil {
		t.Fatalf("outcome err = %v, want nil", outcome.err)
	}
	if string(outcome.data) != `{"id":42}` {
		t.Errorf("outcome data = %s, want {\"id\":42}", outcome.data)
	}
	if table.size() != 0 {
		t.Errorf("size = %d after completion, want 0", table.size())
	}
}

func TestPendingTableRespondFailure(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	id, out := table.register("get_article")
	table.respond(id, false, nil, "article not found")

	outcome := <-out
	var toolErr *ToolError
	if !errors.As(outcome.err, &toolErr) {
		t.Fatalf("outcome err = %v, want *ToolError", outcome.err)
	}
	if toolErr.Tool != "get_article" {
		t.Errorf("Tool = %q, want %q", toolErr.Tool, "get_article")
	}
	if toolErr.Message != "article not found" {
		t.Errorf("Message = %q, want %q", toolErr.Message, "article not found")
	}
}

func TestPendingTableRespondUnknownID(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	if table.respond("req_99", true, nil, "") {
		t.Error("respond reported success for unknown id")
	}

	id, _ := table.register("get_article")
	table.respond(id, true, nil, "")
	if table.respond(id, true, nil, "") {
		t.Error("respond reported success for already completed id")
	}
}

func TestPendingTableExpire(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	id, out := table.register("slow_tool")
	if !table.expire(id) {
		t.Fatal("expire reported unknown id")
	}

	outcome := <-out
	var timeoutErr *CallTimeoutError
	if !errors.As(outcome.err, &timeoutErr) {
		t.Fatalf("outcome err = %v, want *CallTimeoutError", outcome.err)
	}
	if timeoutErr.Tool != "slow_tool" {
		t.Errorf("Tool = %q, want %q", timeoutErr.Tool, "slow_tool")
	}

	if table.expire(id) {
		t.Error("expire reported success for already completed id")
	}
}

func TestPendingTableDeadlineFires(t *testing.T) {
	expired := make(chan string, 1)
	table := newPendingTable(10*time.Millisecond, func(id string) {
		expired <- id
	})

	id, _ := table.register("slow_tool")

	select {
	case got := <-expired:
		if got != id {
			t.Errorf("expired id = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline did not fire")
	}
}

func TestPendingTableCompletionDisarmsDeadline(t *testing.T) {
	expired := make(chan string, 1)
	table := newPendingTable(20*time.Millisecond, func(id string) {
		expired <- id
	})

	id, _ := table.register("get_article")
	table.respond(id, true, nil, "")

	select {
	case got := <-expired:
		t.Errorf("deadline fired for completed call %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPendingTableClearAll(t *testing.T) {
	table := newPendingTable(time.Minute, func(string) {})

	_, out1 := table.register("get_article")
	_, out2 := table.register("list_articles")

	table.clearAll(ErrConnectionClosed)

	for _, out := range []chan callOutcome{out1, out2} {
		outcome := <-out
		if !errors.Is(outcome.err, ErrConnectionClosed) {
			t.Errorf("outcome err = %v, want ErrConnectionClosed", outcome.err)
		}
	}
	if table.size() != 0 {
		t.Errorf("size = %d after clearAll, want 0", table.size())
	}
}
