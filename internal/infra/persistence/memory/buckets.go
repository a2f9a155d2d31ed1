package memory

import (
	"encoding/json"
	"fmt"

	"pharmachain/pkg/domain"
)

// Buckets lists the snapshot buckets persisted by durable stores. Audit
// entries are not a bucket; durable stores append them to their own table.
var Buckets = []domain.EntityType{
	domain.EntityOrganization,
	domain.EntityUser,
	domain.EntityProduct,
	domain.EntityBatch,
	domain.EntityInventory,
	domain.EntityRequest,
	domain.EntityApproval,
	domain.EntityTransaction,
}

// EncodeBucket marshals one bucket of the snapshot.
func (s Snapshot) EncodeBucket(bucket domain.EntityType) ([]byte, error) {
	target, err := s.bucketTarget(bucket)
	if err != nil {
		return nil, err
	}
	return json.Marshal(target)
}

// DecodeBucket hydrates one bucket of the snapshot from payload.
func (s *Snapshot) DecodeBucket(bucket domain.EntityType, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var target any
	switch bucket {
	case domain.EntityOrganization:
		target = &s.Organizations
	case domain.EntityUser:
		target = &s.Users
	case domain.EntityProduct:
		target = &s.Products
	case domain.EntityBatch:
		target = &s.Batches
	case domain.EntityInventory:
		target = &s.Inventory
	case domain.EntityRequest:
		target = &s.Requests
	case domain.EntityApproval:
		target = &s.Approvals
	case domain.EntityTransaction:
		target = &s.Transactions
	default:
		return fmt.Errorf("unknown bucket %s", bucket)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

func (s Snapshot) bucketTarget(bucket domain.EntityType) (any, error) {
	switch bucket {
	case domain.EntityOrganization:
		return s.Organizations, nil
	case domain.EntityUser:
		return s.Users, nil
	case domain.EntityProduct:
		return s.Products, nil
	case domain.EntityBatch:
		return s.Batches, nil
	case domain.EntityInventory:
		return s.Inventory, nil
	case domain.EntityRequest:
		return s.Requests, nil
	case domain.EntityApproval:
		return s.Approvals, nil
	case domain.EntityTransaction:
		return s.Transactions, nil
	}
	return nil, fmt.Errorf("unknown bucket %s", bucket)
}
