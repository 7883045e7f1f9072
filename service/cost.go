package service

import (
	"StoryFlow-server/models"
)

// CostTracker 项目消耗额度的累计器。只增不减，亏了就只能认。
// 数值来自适配器上报，是参考值不是账单。
type CostTracker struct {
	store models.Store
}

func NewCostTracker(store models.Store) *CostTracker {
	return &CostTracker{store: store}
}

// Record 入账一笔消耗。负数拒绝，零值无事发生。
func (c *CostTracker) Record(projectID string, credits int64) error {
	if credits < 0 {
		return models.Validationf("negative cost: %d", credits)
	}
	if credits == 0 {
		return nil
	}
	_, err := models.UpdateProjectWith(c.store, projectID, func(p *models.Project) error {
		p.CostCredits += credits
		return nil
	})
	return err
}

// Total 项目当前累计消耗
func (c *CostTracker) Total(projectID string) (int64, error) {
	p, err := c.store.GetProject(projectID)
	if err != nil {
		return 0, err
	}
	return p.CostCredits, nil
}
