package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"

	"github.com/uswitch/graphqlws/pkg/graphql/ws"
)

// GraphQLExecutor runs each operation once against schema and returns its
// single result. Requests that fail before producing any data, such as
// parse or validation errors, are reported as an error so the server
// answers with an error message rather than data.
func GraphQLExecutor(schema graphql.Schema) Executor {
	return ExecutorFunc(func(ctx context.Context, params ws.OperationParams) (<-chan *ws.Response, error) {
		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  params.Query,
			VariableValues: params.Variables,
			OperationName:  params.OperationName,
			Context:        ctx,
		})

		if result.Data == nil && result.HasErrors() {
			messages := make([]string, len(result.Errors))
			for idx, err := range result.Errors {
				messages[idx] = err.Message
			}

			return nil, fmt.Errorf("%s", strings.Join(messages, "; "))
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}

		var response ws.Response
		if err := json.Unmarshal(data, &response); err != nil {
			return nil, err
		}

		ch := make(chan *ws.Response, 1)
		ch <- &response
		close(ch)

		return ch, nil
	})
}

// DemoSchema answers hello(name) and echo(value), enough to try a client
// against.
func DemoSchema() (graphql.Schema, error) {
	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"hello": &graphql.Field{
					Type: graphql.NewNonNull(graphql.String),
					Args: graphql.FieldConfigArgument{
						"name": &graphql.ArgumentConfig{
							Type:         graphql.String,
							DefaultValue: "world",
						},
					},
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						name, _ := p.Args["name"].(string)
						return fmt.Sprintf("hello %s", name), nil
					},
				},
				"echo": &graphql.Field{
					Type: graphql.Int,
					Args: graphql.FieldConfigArgument{
						"value": &graphql.ArgumentConfig{
							Type: graphql.NewNonNull(graphql.Int),
						},
					},
					Resolve: func(p graphql.ResolveParams) (interface{}, error) {
						return p.Args["value"], nil
					},
				},
			},
		}),
	})
}
