// Package mocks provides gomock implementations of the interfaces the tasks
// package depends on.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	runner := mocks.NewMockBackend(ctrl)
//	runner.EXPECT().Submit(gomock.Any(), "parser").Return("task-1", nil)
package mocks

// MockBackend covers Submit and Status of the runner API.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=backend_mock.go github.com/vulnwatch/opsdash/tasks Backend
