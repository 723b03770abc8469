package schedule

import (
	"context"
	"errors"
	"testing"

	"epaperd/internal/battery"
)

func TestNew(t *testing.T) {
	noop := func(context.Context) error { return nil }
	s, err := New(context.Background(),
		Job{Name: "a", Spec: "0 3 * * *", Run: noop},
		Job{Name: "disabled", Spec: "", Run: noop},
		Job{Name: "b", Spec: "@every 1h", Run: noop},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	s.Start()
	s.Stop()

	_, err = New(context.Background(),
		Job{Name: "bad", Spec: "every tuesday", Run: noop},
		Job{Name: "worse", Spec: "* * *", Run: noop},
	)
	if err == nil {
		t.Fatal("invalid specs accepted")
	}
}

type fakeReader struct {
	st  battery.Status
	err error
}

func (f fakeReader) Read(context.Context) (battery.Status, error) {
	return f.st, f.err
}

func TestBatteryGuard(t *testing.T) {
	errRun := errors.New("ran")
	job := Job{Name: "j", Spec: "@hourly", Run: func(context.Context) error { return errRun }}

	tests := []struct {
		name    string
		r       battery.Reader
		min     int
		wantRun bool
	}{
		{"no reader", nil, 20, true},
		{"check disabled", fakeReader{st: battery.Status{Percent: 1}}, 0, true},
		{"charged", fakeReader{st: battery.Status{Percent: 80}}, 20, true},
		{"at threshold", fakeReader{st: battery.Status{Percent: 20}}, 20, true},
		{"low", fakeReader{st: battery.Status{Percent: 5}}, 20, false},
		{"read error", fakeReader{err: errors.New("i2c")}, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := BatteryGuard(job, tt.r, tt.min)
			err := g.Run(context.Background())
			if ran := errors.Is(err, errRun); ran != tt.wantRun {
				t.Errorf("ran = %v, want %v", ran, tt.wantRun)
			}
			if g.Name != job.Name || g.Spec != job.Spec {
				t.Errorf("guard changed the job: %+v", g)
			}
		})
	}
}
