package genie

import (
	"context"

	"github.com/grantgenie/genie-engine/pkg/models"
)

type mockSessionAPI struct {
	CreateFunc func(req *models.CreateGenieSession) (*models.GenieSession, error)
	GetFunc    func(id int64) (*models.GenieSessionWithExecutions, error)
	ListFunc   func(opts ListOptions) ([]*models.GenieSession, *Page, error)
	UpdateFunc func(id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error)
	DeleteFunc func(id int64, permanent bool) error
}

var _ SessionAPI = (*mockSessionAPI)(nil)

func (m *mockSessionAPI) Create(_ context.Context, req *models.CreateGenieSession) (*models.GenieSession, error) {
	return m.CreateFunc(req)
}

func (m *mockSessionAPI) Get(_ context.Context, id int64) (*models.GenieSessionWithExecutions, error) {
	return m.GetFunc(id)
}

func (m *mockSessionAPI) List(_ context.Context, opts ListOptions) ([]*models.GenieSession, *Page, error) {
	return m.ListFunc(opts)
}

func (m *mockSessionAPI) Update(_ context.Context, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error) {
	return m.UpdateFunc(id, patch, logExecution)
}

func (m *mockSessionAPI) Delete(_ context.Context, id int64, permanent bool) error {
	return m.DeleteFunc(id, permanent)
}

func int64Ptr(v int64) *int64 { return &v }
