package clickhouse

import (
	"testing"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

func TestOptions(t *testing.T) {
	cfg := &ClientConfig{Port: 9000, Database: "fincast", User: "u", Password: "p", MaxExecTime: 90 * time.Second}
	WithHosts("ch1", "ch2")(cfg)
	WithAsyncInsert(true)(cfg)

	o := options(cfg)
	if len(o.Addr) != 2 || o.Addr[1] != "ch2:9000" {
		t.Fatalf("unexpected addrs %v", o.Addr)
	}
	if o.Auth.Database != "fincast" || o.Protocol != ch.Native {
		t.Fatalf("unexpected auth/protocol %+v %v", o.Auth, o.Protocol)
	}
	if o.Settings["max_execution_time"] != 90 || o.Settings["async_insert"] != 1 {
		t.Fatalf("unexpected settings %v", o.Settings)
	}
}
