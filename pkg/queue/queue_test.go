package queue_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/korean-flashcard-pipeline/internal/database"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/flashcard"
	"github.com/jordigilh/korean-flashcard-pipeline/pkg/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

func openTestDB() *queue.Queue {
	dir, err := os.MkdirTemp("", "queue-test")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(dir, "queue.db")

	db, err := database.Connect(cfg, logger)
	Expect(err).NotTo(HaveOccurred())
	Expect(database.Migrate(db.DB)).To(Succeed())

	return queue.New(db)
}

var _ = Describe("Queue", func() {
	var q *queue.Queue
	var now time.Time

	BeforeEach(func() {
		q = openTestDB()
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	items := []flashcard.VocabItem{
		{Position: 1, Term: "안녕", BatchID: "b1"},
		{Position: 2, Term: "감사", BatchID: "b1"},
		{Position: 3, Term: "사랑", BatchID: "b1"},
	}

	Describe("CreateBatch", func() {
		It("creates the batch header and one task per item", func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())

			batch, err := q.Batch(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Total).To(Equal(3))
			Expect(batch.Status).To(Equal(flashcard.BatchPending))

			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks).To(HaveLen(3))
			Expect(tasks[0].State).To(Equal(flashcard.TaskPending))
		})
	})

	Describe("Claim", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("claims up to n pending tasks in position order", func() {
			claimed, err := q.Claim(context.Background(), "b1", "token-1", 2, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(2))
			Expect(claimed[0].Position).To(Equal(1))
			Expect(claimed[1].Position).To(Equal(2))
			Expect(claimed[0].ClaimToken).To(Equal("token-1"))
		})

		It("does not re-claim tasks already held by a live claim", func() {
			_, err := q.Claim(context.Background(), "b1", "token-1", 2, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			claimed, err := q.Claim(context.Background(), "b1", "token-2", 2, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(1))
			Expect(claimed[0].Position).To(Equal(3))
		})

		It("reclaims stale claims past the staleness window", func() {
			_, err := q.Claim(context.Background(), "b1", "token-1", 3, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			later := now.Add(2 * time.Minute)
			claimed, err := q.Claim(context.Background(), "b1", "token-2", 3, later, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(3))
		})

		It("returns ErrNoTasksAvailable once everything is claimed and fresh", func() {
			_, err := q.Claim(context.Background(), "b1", "token-1", 3, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = q.Claim(context.Background(), "b1", "token-2", 3, now, time.Minute)
			Expect(err).To(MatchError(queue.ErrNoTasksAvailable))
		})
	})

	Describe("Advance", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("updates task state and fingerprints", func() {
			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())

			err = q.Advance(context.Background(), tasks[0].TaskID, flashcard.TaskCompletedStage1, "fp-stage1", "", "", "", now)
			Expect(err).NotTo(HaveOccurred())

			updated, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated[0].State).To(Equal(flashcard.TaskCompletedStage1))
			Expect(updated[0].Stage1Fingerprint).To(Equal("fp-stage1"))
		})

		It("records a terminal error kind and message", func() {
			tasks, _ := q.Tasks(context.Background(), "b1")
			err := q.Advance(context.Background(), tasks[0].TaskID, flashcard.TaskFailed, "", "", "validation", "term too long", now)
			Expect(err).NotTo(HaveOccurred())

			updated, _ := q.Tasks(context.Background(), "b1")
			Expect(updated[0].State).To(Equal(flashcard.TaskFailed))
			Expect(updated[0].LastErrorKind).To(Equal("validation"))
			Expect(updated[0].LastError).To(Equal("term too long"))
		})
	})

	Describe("Checkpoints", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("returns nil, nil when no checkpoint exists", func() {
			cp, err := q.LoadCheckpoint(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp).To(BeNil())
		})

		It("saves and reloads a checkpoint", func() {
			err := q.SaveCheckpoint(context.Background(), flashcard.Checkpoint{
				BatchID:                "b1",
				LastContiguousPosition: 2,
				LastProcessedTaskID:    "b1:2",
				CompletedCount:         2,
				CreatedAt:              now,
			})
			Expect(err).NotTo(HaveOccurred())

			cp, err := q.LoadCheckpoint(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.LastContiguousPosition).To(Equal(2))
			Expect(cp.CompletedCount).To(Equal(2))
		})

		It("overwrites an existing checkpoint on conflict", func() {
			save := func(pos int) error {
				return q.SaveCheckpoint(context.Background(), flashcard.Checkpoint{
					BatchID:                "b1",
					LastContiguousPosition: pos,
					CreatedAt:              now,
				})
			}
			Expect(save(1)).To(Succeed())
			Expect(save(3)).To(Succeed())

			cp, err := q.LoadCheckpoint(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(cp.LastContiguousPosition).To(Equal(3))
		})
	})

	Describe("UpdateBatchCounts", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("updates aggregate counters and status", func() {
			ended := now.Add(time.Minute)
			err := q.UpdateBatchCounts(context.Background(), "b1", 2, 1, 0, flashcard.BatchPartial, &ended)
			Expect(err).NotTo(HaveOccurred())

			batch, err := q.Batch(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Completed).To(Equal(2))
			Expect(batch.Failed).To(Equal(1))
			Expect(batch.Status).To(Equal(flashcard.BatchPartial))
			Expect(batch.EndedAt).NotTo(BeNil())
		})
	})

	Describe("Batch", func() {
		It("returns a not-found error for an unknown batch", func() {
			_, err := q.Batch(context.Background(), "missing")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Defer", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("parks a task as deferred and hides it from Claim until deferred_until passes", func() {
			claimed, err := q.Claim(context.Background(), "b1", "token-1", 3, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(3))

			deferredUntil := now.Add(30 * time.Second)
			Expect(q.Defer(context.Background(), claimed[0].TaskID, deferredUntil, now)).To(Succeed())

			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks[0].State).To(Equal(flashcard.TaskDeferred))

			_, err = q.Claim(context.Background(), "b1", "token-2", 1, now.Add(time.Second), time.Minute)
			Expect(err).To(MatchError(queue.ErrNoTasksAvailable))

			reclaimed, err := q.Claim(context.Background(), "b1", "token-2", 1, deferredUntil.Add(time.Second), time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(reclaimed).To(HaveLen(1))
			Expect(reclaimed[0].TaskID).To(Equal(claimed[0].TaskID))
		})

		It("does not consume retry_count", func() {
			claimed, err := q.Claim(context.Background(), "b1", "token-1", 1, now, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			Expect(q.Defer(context.Background(), claimed[0].TaskID, now.Add(time.Minute), now)).To(Succeed())

			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks[0].RetryCount).To(Equal(0))
		})
	})

	Describe("Quarantined", func() {
		BeforeEach(func() {
			Expect(q.CreateBatch(context.Background(), "b1", items, now)).To(Succeed())
		})

		It("returns only tasks in the quarantined state, in position order", func() {
			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())

			Expect(q.Advance(context.Background(), tasks[2].TaskID, flashcard.TaskQuarantined, "", "", "validation", "too many retries", now)).To(Succeed())

			quarantined, err := q.Quarantined(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(quarantined).To(HaveLen(1))
			Expect(quarantined[0].Position).To(Equal(3))
			Expect(quarantined[0].LastErrorKind).To(Equal("validation"))
		})

		It("survives being read again after a later call, unlike an in-memory report", func() {
			tasks, err := q.Tasks(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Advance(context.Background(), tasks[0].TaskID, flashcard.TaskQuarantined, "", "", "fatal", "bad term", now)).To(Succeed())

			first, err := q.Quarantined(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(HaveLen(1))

			second, err := q.Quarantined(context.Background(), "b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(HaveLen(1))
		})
	})
})
