package gamebus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryKV(t *testing.T) {
	kv := newMemoryKV(time.Minute, 0)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "k1", "1", 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = kv.SetNX(ctx, "k1", "1", 0)
	if err != nil || ok {
		t.Fatalf("second SetNX must lose: ok=%v err=%v", ok, err)
	}

	if err := kv.Del(ctx, "k1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	ok, _ = kv.SetNX(ctx, "k1", "1", 0)
	if !ok {
		t.Fatalf("SetNX after Del must win")
	}
}

func TestMemoryKV_Expiry(t *testing.T) {
	kv := newMemoryKV(30*time.Millisecond, 0)
	ctx := context.Background()
	kv.SetNX(ctx, "k1", "1", 0)

	// 过期后占位可再次取得
	waitFor(t, time.Second, func() bool {
		ok, _ := kv.SetNX(ctx, "k1", "1", 0)
		return ok
	})
}
