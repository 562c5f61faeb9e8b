package dedup

import (
	"testing"
	"time"

	"tqsync/internal/domain"
)

func TestGuard_ShouldDrop_Duplicate(t *testing.T) {
	g := NewGuard(time.Minute, time.Second)

	if g.ShouldDrop(domain.PlatformTelegram, "100") {
		t.Error("first sighting should not be dropped")
	}
	if !g.ShouldDrop(domain.PlatformTelegram, "100") {
		t.Error("second sighting within the TTL should be dropped")
	}
}

func TestGuard_ShouldDrop_PlatformsIndependent(t *testing.T) {
	g := NewGuard(time.Minute, time.Second)

	g.ShouldDrop(domain.PlatformTelegram, "100")
	if g.ShouldDrop(domain.PlatformQQ, "100") {
		t.Error("same id on the other platform is a different message")
	}
}

func TestGuard_ShouldDrop_ExpiresAfterTTL(t *testing.T) {
	g := NewGuard(20*time.Millisecond, time.Second)

	g.ShouldDrop(domain.PlatformQQ, "7")
	time.Sleep(40 * time.Millisecond)

	if g.ShouldDrop(domain.PlatformQQ, "7") {
		t.Error("sighting after the TTL window should not be dropped")
	}
}

func TestGuard_AllowedToSend_Cooldown(t *testing.T) {
	g := NewGuard(time.Minute, 50*time.Millisecond)

	if !g.AllowedToSend(domain.PlatformQQ) {
		t.Fatal("first send should be allowed")
	}
	if g.AllowedToSend(domain.PlatformQQ) {
		t.Error("immediate second send should be blocked")
	}

	time.Sleep(80 * time.Millisecond)
	if !g.AllowedToSend(domain.PlatformQQ) {
		t.Error("send after the cooldown should be allowed")
	}
}

func TestGuard_AllowedToSend_DestinationsIndependent(t *testing.T) {
	g := NewGuard(time.Minute, 50*time.Millisecond)

	g.AllowedToSend(domain.PlatformQQ)
	if !g.AllowedToSend(domain.PlatformTelegram) {
		t.Error("cooldown on one destination must not block the other")
	}
}

func TestGuard_MarkSent_AdvancesWindow(t *testing.T) {
	g := NewGuard(time.Minute, 50*time.Millisecond)

	g.MarkSent(domain.PlatformTelegram)
	if g.AllowedToSend(domain.PlatformTelegram) {
		t.Error("send right after MarkSent should be blocked")
	}
}
