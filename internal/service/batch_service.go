// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"sync"

	"receipt-flow-go/internal/pipeline"
	"receipt-flow-go/pkg/log"
)

// BatchService 接口定义了收据批量上传相关的业务操作。
// 每个用户持有一个独立的批次，批次内条目的编排由 pipeline.Controller 负责。
type BatchService interface {
	AddFiles(userID uint, files []pipeline.FileInput) ([]pipeline.UploadItem, error)
	Start(userID uint) error
	Pause(userID uint) error
	Resume(userID uint) error
	Cancel(userID uint) error
	RetryItem(userID uint, itemID string) error
	RetryFailed(userID uint) (int, error)
	Clear(userID uint) error
	Summary(userID uint) (pipeline.BatchSummary, error)
	Subscribe(userID uint) (<-chan pipeline.Event, func(), error)
}

type batchService struct {
	mu      sync.Mutex
	batches map[uint]*pipeline.Controller

	storage pipeline.BlobStorage
	records pipeline.RecordStore
	invoker pipeline.Invoker
	cfg     pipeline.Config
	modelID string
}

// NewBatchService 创建一个新的 BatchService 实例。
func NewBatchService(storage pipeline.BlobStorage, records pipeline.RecordStore, invoker pipeline.Invoker, modelID string, cfg pipeline.Config) BatchService {
	return &batchService{
		batches: make(map[uint]*pipeline.Controller),
		storage: storage,
		records: records,
		invoker: invoker,
		cfg:     cfg,
		modelID: modelID,
	}
}

// controllerFor 返回指定用户的批次控制器，不存在则创建。
func (s *batchService) controllerFor(userID uint) *pipeline.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.batches[userID]
	if !ok {
		ctrl = pipeline.NewController(s.storage, s.records, s.invoker, userID, s.modelID, s.cfg)
		s.batches[userID] = ctrl
	}
	return ctrl
}

// lookup 返回指定用户已存在的批次控制器。
func (s *batchService) lookup(userID uint) (*pipeline.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.batches[userID]
	if !ok {
		return nil, fmt.Errorf("用户 %d 没有进行中的批次", userID)
	}
	return ctrl, nil
}

// AddFiles 校验并把文件加入用户的批次队列。
func (s *batchService) AddFiles(userID uint, files []pipeline.FileInput) ([]pipeline.UploadItem, error) {
	items, err := s.controllerFor(userID).AddFiles(files)
	if err != nil {
		log.Warnf("[BatchService] 文件入队被拒绝, userID: %d, error: %v", userID, err)
		return nil, err
	}
	return items, nil
}

// Start 开始处理用户的批次。
func (s *batchService) Start(userID uint) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	return ctrl.Start()
}

// Pause 请求暂停批次，当前条目跑完后生效。
func (s *batchService) Pause(userID uint) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	ctrl.Pause()
	return nil
}

// Resume 从暂停处恢复批次。
func (s *batchService) Resume(userID uint) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	return ctrl.Resume()
}

// Cancel 取消批次及其所有在途检测任务。
func (s *batchService) Cancel(userID uint) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	ctrl.Cancel()
	return nil
}

// RetryItem 手动重试单个失败条目。
func (s *batchService) RetryItem(userID uint, itemID string) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	return ctrl.RetryItem(itemID)
}

// RetryFailed 批量手动重试失败子集，返回重置的条目数。
func (s *batchService) RetryFailed(userID uint) (int, error) {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return 0, err
	}
	return ctrl.RetryFailed(), nil
}

// Clear 清空用户批次的队列。
func (s *batchService) Clear(userID uint) error {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return err
	}
	return ctrl.Clear()
}

// Summary 返回批次的聚合快照。
func (s *batchService) Summary(userID uint) (pipeline.BatchSummary, error) {
	ctrl, err := s.lookup(userID)
	if err != nil {
		return pipeline.BatchSummary{}, err
	}
	return ctrl.Summary(), nil
}

// Subscribe 订阅批次事件流，返回事件通道和取消函数。
func (s *batchService) Subscribe(userID uint) (<-chan pipeline.Event, func(), error) {
	ch, cancel := s.controllerFor(userID).Bus().Subscribe()
	return ch, cancel, nil
}
