// Package dynamo stores deployment records in a DynamoDB table keyed by
// application name.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

// DefaultTable is the table name used when none is configured.
const DefaultTable = "deployments"

const keyAttribute = "appName"

// item is the stored shape. Timestamps are unix milliseconds so that lock
// expiry can be evaluated inside a condition expression.
type item struct {
	AppName                 string `dynamodbav:"appName"`
	ItemVersion             int64  `dynamodbav:"itemVersion"`
	DeploymentStatus        string `dynamodbav:"deploymentStatus"`
	PipelineStatus          string `dynamodbav:"pipelineStatus"`
	LastCommand             string `dynamodbav:"lastCommand"`
	LastDeploymentID        string `dynamodbav:"lastDeploymentId"`
	LockHeld                bool   `dynamodbav:"lockHeld"`
	LockOwner               string `dynamodbav:"lockOwner"`
	LockTimestamp           int64  `dynamodbav:"lockTimestamp"`
	DeploymentQueuedFlag    bool   `dynamodbav:"deploymentQueuedFlag"`
	DeploymentBeginDatetime int64  `dynamodbav:"deploymentBeginDatetime"`
	DeploymentEndDatetime   int64  `dynamodbav:"deploymentEndDatetime"`
	StageStartedDatetime    int64  `dynamodbav:"stageStartedDatetime"`
	LastUpdatedDatetime     int64  `dynamodbav:"lastUpdatedDatetime"`
	TotalDeploymentsCount   int64  `dynamodbav:"totalDeploymentsCount"`
	FailedDeploymentsCount  int64  `dynamodbav:"failedDeploymentsCount"`
}

type Store struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

func New(client dynamodbiface.DynamoDBAPI, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{client: client, table: table}
}

func (s *Store) Get(ctx context.Context, app string) (*model.DeploymentRecord, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(app),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w: %v", app, store.ErrUnavailable, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
	}
	return decode(out.Item)
}

func (s *Store) Update(ctx context.Context, app string, upd store.Update) (*model.DeploymentRecord, error) {
	expr, err := buildUpdate(upd)
	if err != nil {
		return nil, fmt.Errorf("build update for %q: %w", app, err)
	}

	out, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(app),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			// The condition also fails for a missing item; tell the two apart.
			if _, getErr := s.Get(ctx, app); errors.Is(getErr, store.ErrNotFound) {
				return nil, getErr
			}
			return nil, fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, store.ErrConcurrencyConflict)
		}
		return nil, fmt.Errorf("update %q: %w: %v", app, store.ErrUnavailable, err)
	}
	return decode(out.Attributes)
}

func (s *Store) Create(ctx context.Context, rec model.DeploymentRecord) error {
	av, err := dynamodbattribute.MarshalMap(encode(rec))
	if err != nil {
		return fmt.Errorf("marshal record %q: %w", rec.AppName, err)
	}
	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(keyAttribute))).
		Build()
	if err != nil {
		return err
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      cond.Condition(),
		ExpressionAttributeNames: cond.Names(),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return fmt.Errorf("app %q: %w", rec.AppName, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create %q: %w: %v", rec.AppName, store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]model.DeploymentRecord, error) {
	var (
		out     []model.DeploymentRecord
		pageErr error
	)
	err := s.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, av := range page.Items {
			rec, err := decode(av)
			if err != nil {
				pageErr = err
				return false
			}
			out = append(out, *rec)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w: %v", s.table, store.ErrUnavailable, err)
	}
	return out, pageErr
}

func buildUpdate(upd store.Update) (expression.Expression, error) {
	u := expression.Set(expression.Name("itemVersion"), expression.Value(upd.ExpectedVersion+1)).
		Set(expression.Name("lastUpdatedDatetime"), expression.Value(millis(upd.At)))

	setString := func(name string, v *string) {
		if v != nil {
			u = u.Set(expression.Name(name), expression.Value(*v))
		}
	}
	setBool := func(name string, v *bool) {
		if v != nil {
			u = u.Set(expression.Name(name), expression.Value(*v))
		}
	}
	setTime := func(name string, v *time.Time) {
		if v != nil {
			u = u.Set(expression.Name(name), expression.Value(millis(*v)))
		}
	}

	setString("deploymentStatus", upd.DeploymentStatus)
	if upd.PipelineStatus != nil {
		u = u.Set(expression.Name("pipelineStatus"), expression.Value(string(*upd.PipelineStatus)))
	}
	setString("lastCommand", upd.LastCommand)
	setString("lastDeploymentId", upd.LastDeploymentID)
	setBool("lockHeld", upd.LockHeld)
	setString("lockOwner", upd.LockOwner)
	setTime("lockTimestamp", upd.LockTimestamp)
	setBool("deploymentQueuedFlag", upd.DeploymentQueued)
	setTime("deploymentBeginDatetime", upd.DeploymentBegin)
	setTime("deploymentEndDatetime", upd.DeploymentEnd)
	setTime("stageStartedDatetime", upd.StageStarted)
	if upd.IncrementTotal != 0 {
		u = u.Add(expression.Name("totalDeploymentsCount"), expression.Value(upd.IncrementTotal))
	}
	if upd.IncrementFailed != 0 {
		u = u.Add(expression.Name("failedDeploymentsCount"), expression.Value(upd.IncrementFailed))
	}

	cond := expression.AttributeExists(expression.Name(keyAttribute)).
		And(expression.Name("itemVersion").Equal(expression.Value(upd.ExpectedVersion)))
	if upd.Condition.LockHeld {
		cond = cond.And(expression.Name("lockHeld").Equal(expression.Value(true)))
	}
	if before := upd.Condition.LockAvailableBefore; before != nil {
		cond = cond.And(expression.Or(
			expression.AttributeNotExists(expression.Name("lockHeld")),
			expression.Name("lockHeld").Equal(expression.Value(false)),
			expression.Name("lockTimestamp").LessThanEqual(expression.Value(millis(*before))),
		))
	}

	return expression.NewBuilder().WithUpdate(u).WithCondition(cond).Build()
}

func key(app string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		keyAttribute: {S: aws.String(app)},
	}
}

func decode(av map[string]*dynamodb.AttributeValue) (*model.DeploymentRecord, error) {
	var it item
	if err := dynamodbattribute.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("unmarshal deployment record: %w", err)
	}
	return &model.DeploymentRecord{
		AppName:                 it.AppName,
		ItemVersion:             it.ItemVersion,
		DeploymentStatus:        it.DeploymentStatus,
		PipelineStatus:          model.PipelineStatus(it.PipelineStatus),
		LastCommand:             it.LastCommand,
		LastDeploymentID:        it.LastDeploymentID,
		LockHeld:                it.LockHeld,
		LockOwner:               it.LockOwner,
		LockTimestamp:           fromMillis(it.LockTimestamp),
		DeploymentQueuedFlag:    it.DeploymentQueuedFlag,
		DeploymentBeginDatetime: fromMillis(it.DeploymentBeginDatetime),
		DeploymentEndDatetime:   fromMillis(it.DeploymentEndDatetime),
		StageStartedDatetime:    fromMillis(it.StageStartedDatetime),
		LastUpdatedDatetime:     fromMillis(it.LastUpdatedDatetime),
		TotalDeploymentsCount:   it.TotalDeploymentsCount,
		FailedDeploymentsCount:  it.FailedDeploymentsCount,
	}, nil
}

func encode(rec model.DeploymentRecord) item {
	return item{
		AppName:                 rec.AppName,
		ItemVersion:             rec.ItemVersion,
		DeploymentStatus:        rec.DeploymentStatus,
		PipelineStatus:          string(rec.PipelineStatus),
		LastCommand:             rec.LastCommand,
		LastDeploymentID:        rec.LastDeploymentID,
		LockHeld:                rec.LockHeld,
		LockOwner:               rec.LockOwner,
		LockTimestamp:           millis(rec.LockTimestamp),
		DeploymentQueuedFlag:    rec.DeploymentQueuedFlag,
		DeploymentBeginDatetime: millis(rec.DeploymentBeginDatetime),
		DeploymentEndDatetime:   millis(rec.DeploymentEndDatetime),
		StageStartedDatetime:    millis(rec.StageStartedDatetime),
		LastUpdatedDatetime:     millis(rec.LastUpdatedDatetime),
		TotalDeploymentsCount:   rec.TotalDeploymentsCount,
		FailedDeploymentsCount:  rec.FailedDeploymentsCount,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
