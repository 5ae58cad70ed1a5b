// Package mocks provides test doubles for the record store.
package mocks

import (
	"context"
	"time"

	mock "github.com/stretchr/testify/mock"

	model "github.com/sells-group/imagefilter/internal/model"
	store "github.com/sells-group/imagefilter/internal/store"
)

// MockStore is a mock type for the Store interface.
type MockStore struct {
	mock.Mock
}

// GetRecord provides a mock function with given fields: ctx, eventID
func (_m *MockStore) GetRecord(ctx context.Context, eventID string) (*model.OutputRecord, error) {
	ret := _m.Called(ctx, eventID)

	if len(ret) == 0 {
		panic("no return value specified for GetRecord")
	}

	var r0 *model.OutputRecord
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*model.OutputRecord, error)); ok {
		return rf(ctx, eventID)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*model.OutputRecord)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// ListRecords provides a mock function with given fields: ctx, filter
func (_m *MockStore) ListRecords(ctx context.Context, filter store.RecordFilter) ([]*model.OutputRecord, error) {
	ret := _m.Called(ctx, filter)

	if len(ret) == 0 {
		panic("no return value specified for ListRecords")
	}

	var r0 []*model.OutputRecord
	if rf, ok := ret.Get(0).(func(context.Context, store.RecordFilter) ([]*model.OutputRecord, error)); ok {
		return rf(ctx, filter)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*model.OutputRecord)
	}

	return r0, ret.Error(1)
}

// Commit provides a mock function with given fields: ctx, records, wm
func (_m *MockStore) Commit(ctx context.Context, records []*model.OutputRecord, wm time.Time) error {
	ret := _m.Called(ctx, records, wm)

	if len(ret) == 0 {
		panic("no return value specified for Commit")
	}

	if rf, ok := ret.Get(0).(func(context.Context, []*model.OutputRecord, time.Time) error); ok {
		return rf(ctx, records, wm)
	}
	return ret.Error(0)
}

// LoadWatermark provides a mock function with given fields: ctx
func (_m *MockStore) LoadWatermark(ctx context.Context) (time.Time, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for LoadWatermark")
	}

	if rf, ok := ret.Get(0).(func(context.Context) (time.Time, error)); ok {
		return rf(ctx)
	}
	return ret.Get(0).(time.Time), ret.Error(1)
}

// SaveWatermark provides a mock function with given fields: ctx, wm
func (_m *MockStore) SaveWatermark(ctx context.Context, wm time.Time) error {
	ret := _m.Called(ctx, wm)

	if len(ret) == 0 {
		panic("no return value specified for SaveWatermark")
	}

	if rf, ok := ret.Get(0).(func(context.Context, time.Time) error); ok {
		return rf(ctx, wm)
	}
	return ret.Error(0)
}

// SaveRun provides a mock function with given fields: ctx, run
func (_m *MockStore) SaveRun(ctx context.Context, run *model.BatchResult) error {
	ret := _m.Called(ctx, run)

	if len(ret) == 0 {
		panic("no return value specified for SaveRun")
	}

	if rf, ok := ret.Get(0).(func(context.Context, *model.BatchResult) error); ok {
		return rf(ctx, run)
	}
	return ret.Error(0)
}

// ListRuns provides a mock function with given fields: ctx, limit
func (_m *MockStore) ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error) {
	ret := _m.Called(ctx, limit)

	if len(ret) == 0 {
		panic("no return value specified for ListRuns")
	}

	var r0 []model.BatchResult
	if rf, ok := ret.Get(0).(func(context.Context, int) ([]model.BatchResult, error)); ok {
		return rf(ctx, limit)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]model.BatchResult)
	}

	return r0, ret.Error(1)
}

// Migrate provides a mock function with given fields: ctx
func (_m *MockStore) Migrate(ctx context.Context) error {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for Migrate")
	}

	if rf, ok := ret.Get(0).(func(context.Context) error); ok {
		return rf(ctx)
	}
	return ret.Error(0)
}

// Close provides a mock function with no fields
func (_m *MockStore) Close() error {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Close")
	}

	if rf, ok := ret.Get(0).(func() error); ok {
		return rf()
	}
	return ret.Error(0)
}

// NewMockStore creates a new instance of MockStore. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockStore {
	m := &MockStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

var _ store.Store = (*MockStore)(nil)
