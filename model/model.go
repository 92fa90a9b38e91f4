package model

import (
	"github.com/bwmarrin/snowflake"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
}

// SetNodeID replaces the snowflake node, instances sharing a store need distinct node ids.
func SetNodeID(nodeID int64) error {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	snowflakeNode = node
	return nil
}

func GenerateID() string {
	return snowflakeNode.Generate().String()
}
