package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	appconfig "github.com/epw80/cataglory/pkg/config"
	"github.com/epw80/cataglory/pkg/storage"
)

const waitTimeout = 60 * time.Second

func main() {
	recreate := flag.Bool("recreate", false, "delete the table first when it already exists")
	flag.Parse()

	ctx := context.Background()

	// Load configuration
	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Initializing DynamoDB table",
		slog.String("endpoint", cfg.DynamoDBEndpoint),
		slog.String("region", cfg.DynamoDBRegion))

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}
	client := storage.NewDynamoDBClient(awsCfg, cfg)

	schema := storage.GetTableSchema(cfg.TableName)

	// Check if table already exists
	_, err = client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})
	if err == nil {
		if !*recreate {
			logger.Info("Table already exists, leaving it in place",
				slog.String("table", schema.TableName))
			return
		}

		logger.Info("Table already exists, deleting and recreating",
			slog.String("table", schema.TableName))

		_, err = client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(schema.TableName),
		})
		if err != nil {
			log.Fatalf("Failed to delete existing table: %v", err)
		}

		waiter := dynamodb.NewTableNotExistsWaiter(client)
		err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(schema.TableName),
		}, waitTimeout)
		if err != nil {
			log.Fatalf("Failed waiting for table deletion: %v", err)
		}

		logger.Info("Existing table deleted successfully")
	}

	logger.Info("Creating DynamoDB table",
		slog.String("table", schema.TableName))

	_, err = client.CreateTable(ctx, createTableInput(schema))
	if err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	}, waitTimeout)
	if err != nil {
		log.Fatalf("Failed waiting for table creation: %v", err)
	}

	output, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})
	if err != nil {
		log.Fatalf("Failed to describe table: %v", err)
	}

	fmt.Printf("\nTable: %s\n", aws.ToString(output.Table.TableName))
	fmt.Printf("Status: %s\n", output.Table.TableStatus)
	fmt.Printf("\nPrimary Key:\n")
	fmt.Printf("  - Partition Key: %s (HASH)\n", schema.PartitionKey)
	fmt.Printf("  - Sort Key: %s (RANGE)\n", schema.SortKey)
	fmt.Printf("\nGlobal Secondary Index: %s\n", schema.GSIName)
	fmt.Printf("  - Partition Key: %s\n", schema.GSIPartitionKey)
	fmt.Printf("  - Sort Key: %s\n", schema.GSISortKey)
	fmt.Printf("\nStream: %s\n", aws.ToString(output.Table.LatestStreamArn))
}

func createTableInput(schema storage.TableSchema) *dynamodb.CreateTableInput {
	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}

	return &dynamodb.CreateTableInput{
		TableName: aws.String(schema.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(schema.PartitionKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(schema.SortKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(schema.GSIPartitionKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(schema.GSISortKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(schema.PartitionKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(schema.SortKey), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(schema.GSIName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(schema.GSIPartitionKey), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(schema.GSISortKey), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{
					ProjectionType: types.ProjectionTypeAll,
				},
				ProvisionedThroughput: throughput,
			},
		},
		// Round completion is driven by the change stream
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
		BillingMode:           types.BillingModeProvisioned,
		ProvisionedThroughput: throughput,
	}
}
