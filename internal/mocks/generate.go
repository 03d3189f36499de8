// Package mocks provides gomock implementations of the core ports for tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

// JobRepository: Create, GetByID, GetByIdempotencyKey, List, MarkProcessing, Complete, RecordFailure, Cancel, SyncState
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/mmk-jobs/internal/core JobRepository

// ExecutionEngine: Add, Get, Remove, Claim, Complete, Fail, RecoverStalled, Prune, Counts, WaitForItems
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=execution_engine_mock.go github.com/target/mmk-jobs/internal/core ExecutionEngine
