package cmd

import (
	"context"
	"s5proxy/s5/common"
	"s5proxy/s5/db/dao"
	"s5proxy/s5/model"
	"testing"
	"time"
)

func TestExpandDateSpec(t *testing.T) {
	days, err := expandDateSpec("20250130-20250202")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"20250130", "20250131", "20250201", "20250202"}
	if len(days) != len(want) {
		t.Fatalf("days %v", days)
	}
	for i, d := range days {
		if d.Format("20060102") != want[i] {
			t.Fatalf("day %d = %s", i, d.Format("20060102"))
		}
	}

	days, err = expandDateSpec("20250907, 20250906,20250907")
	if err != nil || len(days) != 2 || days[0].Format("20060102") != "20250906" {
		t.Fatalf("list %v %v", days, err)
	}

	for _, bad := range []string{"2025-01-01", "20250102-20250101", "2025010", "a-b-c"} {
		if _, err := expandDateSpec(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

func TestDayBounds(t *testing.T) {
	d := time.Date(2025, 3, 9, 15, 4, 5, 0, time.UTC)
	from, to := dayBounds(d)
	if from != time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("from %d", from)
	}
	if to-from != 24*3600*1000-1 {
		t.Fatalf("span %d", to-from)
	}
}

func TestResetPassword(t *testing.T) {
	ctx := context.Background()
	st := dao.NewMemoryUserStore(model.User{Username: "alice", Password: "old", Status: model.StatusDisabled})
	if err := resetPassword(ctx, st, " alice ", "new"); err != nil {
		t.Fatal(err)
	}
	u, _ := st.Get(ctx, "alice")
	if u.Password != "" || u.PasswordSha256 != common.HashUP("new") || u.Status != model.StatusEnabled {
		t.Fatalf("user %+v", u)
	}
	if !common.PasswordOK(u.Password, u.PasswordSha256, "new") {
		t.Fatal("new password should verify")
	}
	if err := resetPassword(ctx, st, "bob", "x"); err == nil {
		t.Fatal("unknown user should fail")
	}
}
