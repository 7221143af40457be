package jobqueue

import "testing"

func TestLaneAssignment(t *testing.T) {
	q := NewQueue()
	q.SetLane("upload-photo", "network")
	q.SetLane("fetch-models", "network")

	up, _ := q.AddJob("upload-photo", nil, "", nil)
	save, _ := q.AddJob("save-photo", nil, "", nil)

	if got := q.GetJob(up).Lane; got != "network" {
		t.Errorf("upload lane = %q", got)
	}
	if got := q.GetJob(save).Lane; got != "save-photo" {
		t.Errorf("save lane = %q", got)
	}
}

func TestLaneLimits(t *testing.T) {
	q := NewQueue()
	q.SetLane("upload-photo", "network")
	q.SetLane("fetch-models", "network")
	q.SetLaneLimit("network", 2)

	q.AddJob("upload-photo", nil, "1", nil)
	q.AddJob("fetch-models", nil, "2", nil)
	q.AddJob("upload-photo", nil, "3", nil)
	other, _ := q.AddJob("save-photo", nil, "4", nil)

	first, _ := q.ClaimJob()
	second, _ := q.ClaimJob()
	if first == nil || second == nil {
		t.Fatal("expected two network jobs to be claimable")
	}
	third, _ := q.ClaimJob()
	if third == nil || third.ID != other {
		t.Fatalf("third claim = %v; want save job from its own lane", third)
	}
	if j, _ := q.ClaimJob(); j != nil {
		t.Errorf("network lane over limit: claimed %s", j.Input)
	}

	q.CompleteJob(first.ID)
	j, _ := q.ClaimJob()
	if j == nil || j.Input != "3" {
		t.Errorf("after completion claim = %v; want input 3", j)
	}
}

func TestTerminalStatesReleaseLane(t *testing.T) {
	release := map[string]func(q *Queue, id string) error{
		"error":  (*Queue).ErrorJob,
		"cancel": (*Queue).CancelJob,
		"remove": (*Queue).RemoveJob,
	}
	for name, fn := range release {
		t.Run(name, func(t *testing.T) {
			q := NewQueue()
			a, _ := q.AddJob("save-photo", nil, "a", nil)
			q.AddJob("save-photo", nil, "b", nil)

			q.ClaimJob()
			if j, _ := q.ClaimJob(); j != nil {
				t.Fatal("lane limit of 1 not enforced")
			}
			if err := fn(q, a); err != nil {
				t.Fatal(err)
			}
			j, _ := q.ClaimJob()
			if j == nil || j.Input != "b" {
				t.Errorf("claim after %s = %v", name, j)
			}
		})
	}
}
