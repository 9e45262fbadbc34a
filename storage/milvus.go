package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"posecoach/core"
)

const milvusCollection = "pose_references"

// MilvusStore keeps the reference library in a Milvus collection: the digest
// rides along as a JSON payload next to the centroid vector.
type MilvusStore struct {
	mc client.Client
}

func NewMilvusStore(ctx context.Context, addr string) (*MilvusStore, error) {
	if addr == "" {
		addr = "localhost:19530"
	}
	mc, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	s := &MilvusStore{mc: mc}
	if err := s.ensureCollection(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, milvusCollection)
	if err != nil {
		return err
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("exercise").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("name").WithDataType(entity.FieldTypeVarChar).WithMaxLength(255))
		schema.WithField(entity.NewField().WithName("payload").WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535))
		schema.WithField(entity.NewField().WithName("centroid").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(core.FeatureDim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, milvusCollection, "centroid", idx, false, client.WithIndexName("idx_centroid")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func (s *MilvusStore) Put(ctx context.Context, ref *core.Reference) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal reference: %w", err)
	}

	// Upsert by hand: the same exercise/name pair replaces the old row.
	expr := fmt.Sprintf(`exercise == %q && name == %q`, ref.Exercise, ref.Name)
	if err := s.mc.Delete(ctx, milvusCollection, "", expr); err != nil {
		return fmt.Errorf("delete previous reference: %w", err)
	}

	_, err = s.mc.Insert(ctx, milvusCollection, "",
		entity.NewColumnVarChar("exercise", []string{ref.Exercise}),
		entity.NewColumnVarChar("name", []string{ref.Name}),
		entity.NewColumnVarChar("payload", []string{string(payload)}),
		entity.NewColumnFloatVector("centroid", core.FeatureDim, [][]float32{paddedCentroid(ref.Centroid)}),
	)
	if err != nil {
		return fmt.Errorf("insert reference %s/%s: %w", ref.Exercise, ref.Name, err)
	}
	return nil
}

func (s *MilvusStore) Get(ctx context.Context, exercise, name string) (*core.Reference, error) {
	expr := fmt.Sprintf(`exercise == %q && name == %q`, exercise, name)
	res, err := s.mc.Query(ctx, milvusCollection, nil, expr, []string{"payload"})
	if err != nil {
		return nil, fmt.Errorf("query reference: %w", err)
	}

	payloads := varcharColumn(res, "payload")
	if len(payloads) == 0 {
		return nil, ErrNotFound
	}
	var ref core.Reference
	if err := json.Unmarshal([]byte(payloads[0]), &ref); err != nil {
		return nil, fmt.Errorf("parse reference payload: %w", err)
	}
	return &ref, nil
}

func (s *MilvusStore) List(ctx context.Context, exercise string) ([]string, error) {
	expr := fmt.Sprintf(`exercise == %q`, exercise)
	res, err := s.mc.Query(ctx, milvusCollection, nil, expr, []string{"name"})
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	return varcharColumn(res, "name"), nil
}

func (s *MilvusStore) Nearest(ctx context.Context, exercise string, vector []float32, k int) ([]*core.Reference, error) {
	if k <= 0 {
		k = 5
	}
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := fmt.Sprintf(`exercise == %q`, exercise)
	res, err := s.mc.Search(ctx, milvusCollection, []string{}, filter, []string{"payload"},
		[]entity.Vector{entity.FloatVector(paddedCentroid(vector))}, "centroid", entity.COSINE, k, sp)
	if err != nil {
		return nil, fmt.Errorf("search references: %w", err)
	}

	var out []*core.Reference
	for _, r := range res {
		for _, c := range r.Fields {
			col, ok := c.(*entity.ColumnVarChar)
			if !ok || col.Name() != "payload" {
				continue
			}
			for _, payload := range col.Data() {
				var ref core.Reference
				if err := json.Unmarshal([]byte(payload), &ref); err != nil {
					continue
				}
				out = append(out, &ref)
			}
		}
	}
	return out, nil
}

func (s *MilvusStore) Close(context.Context) error {
	return s.mc.Close()
}

func varcharColumn(res client.ResultSet, name string) []string {
	for _, c := range res {
		if col, ok := c.(*entity.ColumnVarChar); ok && col.Name() == name {
			return col.Data()
		}
	}
	return nil
}
