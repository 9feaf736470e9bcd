package store

import (
	"testing"

	"github.com/wildcastradio/aircast/internal/playback"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPlaybackRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if _, ok, err := db.LoadPlayback(); err != nil || ok {
		t.Fatalf("fresh db: ok=%v err=%v, want no saved state", ok, err)
	}

	want := playback.SavedState{
		IsPlaying: true,
		StreamURL: "http://radio.example/stream",
		Volume:    65,
		Muted:     true,
	}
	if err := db.SavePlayback(want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.LoadPlayback()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("loaded %+v, want %+v", got, want)
	}
}

func TestSaveOverwrites(t *testing.T) {
	db := openTestDB(t)

	db.SavePlayback(playback.SavedState{Volume: 10})
	db.SavePlayback(playback.SavedState{Volume: 90})

	got, _, err := db.LoadPlayback()
	if err != nil {
		t.Fatal(err)
	}
	if got.Volume != 90 {
		t.Fatalf("volume = %d, want the later write", got.Volume)
	}
}

func TestBroadcastingFlag(t *testing.T) {
	db := openTestDB(t)

	if id, live, err := db.Broadcasting(); err != nil || live || id != "" {
		t.Fatalf("fresh db: id=%q live=%v err=%v", id, live, err)
	}

	if err := db.SetBroadcasting("bcast-42", true); err != nil {
		t.Fatal(err)
	}
	id, live, err := db.Broadcasting()
	if err != nil || !live || id != "bcast-42" {
		t.Fatalf("id=%q live=%v err=%v", id, live, err)
	}

	db.SetBroadcasting("bcast-42", false)
	if _, live, _ := db.Broadcasting(); live {
		t.Fatal("flag should clear")
	}
}
